package events

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingObserver writes engine events to the global zerolog logger.
// Security violations log at warn level; other errors at info.
type LoggingObserver struct{}

func (LoggingObserver) Notify(ev Event) {
	var e *zerolog.Event
	switch ev.Name {
	case SecurityViolation:
		e = log.Warn()
	case AuthorizationError, GrantError:
		e = log.Info()
	default:
		e = log.Info()
	}

	e = e.Str("event", ev.Name)
	if ev.ClientID != "" {
		e = e.Str("client_id", ev.ClientID)
	}
	if ev.AccountID != "" {
		e = e.Str("account_id", ev.AccountID)
	}
	if ev.Scope != "" {
		e = e.Str("scope", ev.Scope)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg("oidc event")
}

var _ Observer = LoggingObserver{}
