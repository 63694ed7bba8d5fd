// Package audit provides a fire-and-forget audit trail. Events are buffered
// and written by a background worker; a full buffer drops the event and bumps
// a counter instead of ever blocking or failing the caller.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the session service.
const (
	ActionLoginSuccess       = "auth.login.success"
	ActionLoginFailure       = "auth.login.failure"
	ActionLoginLocked        = "auth.login.locked"
	ActionChallengeIssued    = "auth.2fa.challenge_issued"
	ActionChallengeVerified  = "auth.2fa.verified"
	ActionChallengeFailed    = "auth.2fa.failed"
	ActionChallengeLocked    = "auth.2fa.locked"
	ActionRecoveryCodeUsed   = "auth.2fa.recovery_code_used"
	ActionRecoveryRegenerate = "auth.2fa.recovery_codes_regenerated"
	ActionTwoFactorEnabled   = "auth.2fa.enabled"
	ActionTokenRefreshed     = "auth.token.refreshed"
	ActionTokenReuseDetected = "auth.token.reuse_detected"
	ActionFamilyRevoked      = "auth.token.family_revoked"
	ActionLogout             = "auth.logout"
	ActionPasswordChanged    = "auth.password.changed"
	ActionExternalLogin      = "auth.external.login"
)

// Event is one audit record.
type Event struct {
	Action     string
	UserID     uuid.UUID
	TargetType string
	TargetID   string
	Metadata   map[string]string
	At         time.Time
}

// Sink receives audit events. Implementations must not panic into the
// dispatcher worker.
type Sink interface {
	Write(e Event)
}

// SlogSink writes audit events as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("action", e.Action),
		slog.Time("at", e.At),
	}
	if e.UserID != uuid.Nil {
		attrs = append(attrs, slog.String("user_id", e.UserID.String()))
	}
	if e.TargetType != "" {
		attrs = append(attrs, slog.String("target_type", e.TargetType), slog.String("target_id", e.TargetID))
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Info("audit", attrs...)
}

// Dispatcher fans events from callers to the sink through a buffered channel.
type Dispatcher struct {
	events  chan Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewDispatcher starts a dispatcher with the given buffer size.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for e := range d.events {
			sink.Write(e)
		}
	}()
	return d
}

// Log enqueues an event without blocking. Events are dropped when the buffer
// is full.
func (d *Dispatcher) Log(e Event) {
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close flushes buffered events and stops the worker. Log must not be called
// after Close.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.events)
		<-d.done
	})
}
