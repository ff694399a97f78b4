// Package events defines the synchronous extension points the engine calls
// at notable moments: request validated, code issued, token issued, error
// raised. Subscribers attach logging or metrics without coupling the core
// to a sink. Events never carry credentials or token values.
package events

// Event names.
const (
	AuthorizationValidated = "authorization.validated"
	AuthorizationSuccess   = "authorization.success"
	AuthorizationError     = "authorization.error"
	InteractionStarted     = "interaction.started"
	InteractionEnded       = "interaction.ended"
	CodeIssued             = "code.issued"
	TokenIssued            = "token.issued"
	GrantError             = "grant.error"
	SecurityViolation      = "security.violation"
)

// Event is one engine occurrence. Detail holds the error code for error
// events and the grant type for token events.
type Event struct {
	Name      string
	ClientID  string
	AccountID string
	Scope     string
	Detail    string
}

// Observer receives engine events synchronously. Implementations must be
// fast and must not block.
type Observer interface {
	Notify(ev Event)
}

// Multi fans an event out to several observers in order.
type Multi []Observer

func (m Multi) Notify(ev Event) {
	for _, o := range m {
		o.Notify(ev)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(Event) {}
