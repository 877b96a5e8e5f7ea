package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TransitionKind names an authentication state change.
type TransitionKind string

const (
	TransitionSignedIn  TransitionKind = "signed_in"
	TransitionSignedOut TransitionKind = "signed_out"
)

var ErrMissingSessionID = errors.New("session tracker: session id required")

// Transition is a sign-in or sign-out of one session.
type Transition struct {
	Kind      TransitionKind
	SessionID string
	UserID    string
	At        time.Time
}

// Listener reacts to a transition. A failing sign-in listener leaves the session unrecorded so the
// next request signs it in again.
type Listener func(ctx context.Context, transition Transition) error

type trackedSession struct {
	userID    string
	expiresAt time.Time
}

// SessionTracker turns per-request session validation into sign-in and sign-out transitions.
type SessionTracker struct {
	mu        sync.Mutex
	sessions  map[string]trackedSession
	listeners []Listener
	clock     func() time.Time
	logger    *zap.Logger
	signIns   singleflight.Group
}

func NewSessionTracker(clock func() time.Time, logger *zap.Logger) *SessionTracker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionTracker{
		sessions: make(map[string]trackedSession),
		clock:    clock,
		logger:   logger,
	}
}

// OnTransition registers a listener. Listeners run in registration order.
func (t *SessionTracker) OnTransition(listener Listener) {
	if listener == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()
}

// Observe records a validated session. The first observation of a session fires TransitionSignedIn
// and reports true; later observations report false. Concurrent first observations share one sign-in.
func (t *SessionTracker) Observe(ctx context.Context, sessionID, userID string, expiresAt time.Time) (Transition, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Transition{}, false, ErrMissingSessionID
	}
	value, err, _ := t.signIns.Do(sessionID, func() (interface{}, error) {
		t.mu.Lock()
		_, known := t.sessions[sessionID]
		t.mu.Unlock()
		if known {
			return Transition{}, nil
		}

		transition := Transition{Kind: TransitionSignedIn, SessionID: sessionID, UserID: userID, At: t.clock().UTC()}
		if err := t.notify(ctx, transition); err != nil {
			return transition, err
		}

		t.mu.Lock()
		t.sessions[sessionID] = trackedSession{userID: userID, expiresAt: expiresAt}
		t.mu.Unlock()
		t.logger.Info("session signed in", zap.String("session_id", sessionID), zap.String("user_id", userID))
		return transition, nil
	})
	transition := value.(Transition)
	if err != nil {
		return transition, false, err
	}
	return transition, transition.Kind == TransitionSignedIn, nil
}

// End signs the session out. Unknown sessions are ignored.
func (t *SessionTracker) End(ctx context.Context, sessionID string) bool {
	t.mu.Lock()
	session, known := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if !known {
		return false
	}
	t.signOut(ctx, sessionID, session.userID)
	return true
}

// Sweep signs out every session whose expiry has passed and returns how many ended.
func (t *SessionTracker) Sweep(ctx context.Context) int {
	now := t.clock()
	expired := make(map[string]trackedSession)
	t.mu.Lock()
	for sessionID, session := range t.sessions {
		if !session.expiresAt.IsZero() && !now.Before(session.expiresAt) {
			expired[sessionID] = session
			delete(t.sessions, sessionID)
		}
	}
	t.mu.Unlock()
	for sessionID, session := range expired {
		t.signOut(ctx, sessionID, session.userID)
	}
	return len(expired)
}

// Run sweeps expired sessions on every tick until ctx ends.
func (t *SessionTracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ended := t.Sweep(ctx); ended > 0 {
				t.logger.Debug("expired sessions swept", zap.Int("count", ended))
			}
		}
	}
}

func (t *SessionTracker) signOut(ctx context.Context, sessionID, userID string) {
	transition := Transition{Kind: TransitionSignedOut, SessionID: sessionID, UserID: userID, At: t.clock().UTC()}
	if err := t.notify(ctx, transition); err != nil {
		t.logger.Warn("sign-out listener failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	t.logger.Info("session signed out", zap.String("session_id", sessionID), zap.String("user_id", userID))
}

func (t *SessionTracker) notify(ctx context.Context, transition Transition) error {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	var errs []error
	for _, listener := range listeners {
		if err := listener(ctx, transition); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
