// Package flow drives the login/consent interaction between an
// authorization request and code issuance.
package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
)

// ErrInvalidCredentials is returned by CredentialVerifier implementations
// when the identifier/secret pair does not resolve to an account.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialVerifier resolves a login identifier and secret to an account
// ID. Credential storage lives behind this collaborator; the engine owns
// only state transitions and TTL.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, secret string) (string, error)
}

// Default interaction lifetime.
const DefaultTTL = 10 * time.Minute

const sweepInterval = time.Minute

type entry struct {
	mu          sync.Mutex // serializes submissions per uid
	interaction domain.Interaction
	resolved    bool
}

// Engine is the interaction state machine. Submissions against the same
// uid are serialized on the entry's mutex so two concurrent logins cannot
// both transition a pending interaction.
type Engine struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	verifier CredentialVerifier
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an interaction engine with a background expiry sweep.
func NewEngine(verifier CredentialVerifier, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	e := &Engine{
		entries:  make(map[string]*entry),
		verifier: verifier,
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go e.sweep()
	return e
}

// Start creates a pending interaction for the given authorization request
// and returns it. The uid is opaque and unguessable.
func (e *Engine) Start(req domain.AuthorizationRequest) *domain.Interaction {
	now := time.Now()
	in := domain.Interaction{
		UID:       uuid.NewString(),
		Request:   req,
		Status:    domain.InteractionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}

	e.mu.Lock()
	e.entries[in.UID] = &entry{interaction: in}
	e.mu.Unlock()

	log.Debug().Str("uid", in.UID).Str("client_id", req.ClientID).Msg("interaction started")
	return &in
}

// Get returns a snapshot of the interaction, with lazy expiry.
func (e *Engine) Get(uid string) (*domain.Interaction, error) {
	ent, err := e.lookup(uid)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := e.checkLive(ent); err != nil {
		return nil, err
	}
	snapshot := ent.interaction
	return &snapshot, nil
}

// SubmitLogin verifies the credential through the collaborator and moves a
// pending interaction to awaiting_consent. An invalid credential leaves the
// interaction pending for a retry.
func (e *Engine) SubmitLogin(ctx context.Context, uid, identifier, secret string) (*domain.Interaction, error) {
	ent, err := e.lookup(uid)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if err := e.checkLive(ent); err != nil {
		return nil, err
	}
	if ent.interaction.Status != domain.InteractionPending {
		return nil, serrors.ErrInvalidState
	}

	accountID, err := e.verifier.Verify(ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			log.Info().Str("uid", uid).Msg("login attempt rejected")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ent.interaction.Status = domain.InteractionAwaitingConsent
	ent.interaction.Result.AccountID = accountID
	ent.interaction.Result.AuthTime = time.Now()

	snapshot := ent.interaction
	return &snapshot, nil
}

// SubmitConsent records the consent decision and completes the
// interaction. Denial is a completed interaction too; the authorization
// endpoint turns it into access_denied.
func (e *Engine) SubmitConsent(uid string, granted bool) (*domain.Interaction, error) {
	ent, err := e.lookup(uid)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if err := e.checkLive(ent); err != nil {
		return nil, err
	}
	if ent.interaction.Status != domain.InteractionAwaitingConsent {
		return nil, serrors.ErrInvalidState
	}

	ent.interaction.Status = domain.InteractionCompleted
	ent.interaction.Result.ConsentGiven = granted
	ent.interaction.Result.ConsentDenied = !granted

	snapshot := ent.interaction
	return &snapshot, nil
}

// Resolve hands a completed interaction back to the authorization endpoint
// and removes it; it can be consumed exactly once. A pending interaction is
// left untouched.
func (e *Engine) Resolve(uid string) (*domain.Interaction, error) {
	ent, err := e.lookup(uid)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.resolved {
		return nil, serrors.ErrInteractionNotFound
	}
	if ent.interaction.Expired(time.Now()) {
		return nil, serrors.ErrInteractionExpired
	}
	if ent.interaction.Status != domain.InteractionCompleted {
		return nil, serrors.ErrInvalidState
	}

	ent.resolved = true
	e.mu.Lock()
	delete(e.entries, uid)
	e.mu.Unlock()

	snapshot := ent.interaction
	return &snapshot, nil
}

// Close stops the expiry sweep.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stop) })
	return nil
}

func (e *Engine) lookup(uid string) (*entry, error) {
	e.mu.RLock()
	ent, ok := e.entries[uid]
	e.mu.RUnlock()
	if !ok {
		return nil, serrors.ErrInteractionNotFound
	}
	return ent, nil
}

// checkLive must be called with the entry mutex held.
func (e *Engine) checkLive(ent *entry) error {
	if ent.interaction.Status == domain.InteractionExpired {
		return serrors.ErrInteractionExpired
	}
	if ent.interaction.Expired(time.Now()) {
		ent.interaction.Status = domain.InteractionExpired
		return serrors.ErrInteractionExpired
	}
	return nil
}

func (e *Engine) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			for uid, ent := range e.entries {
				if ent.interaction.Expired(now) {
					delete(e.entries, uid)
				}
			}
			e.mu.Unlock()
		}
	}
}
