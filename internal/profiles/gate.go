package profiles

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errMissingProvisioner = errors.New("profile provisioner is required")

// Provisioner ensures a profile exists for a user.
type Provisioner interface {
	EnsureProfile(ctx context.Context, userID string) (Profile, error)
}

// Gate runs profile provisioning on sign-in transitions and makes a single onboarding
// decision per session.
type Gate struct {
	provisioner Provisioner
	logger      *zap.Logger

	mu        sync.Mutex
	decisions map[string]*onboardingDecision
}

type onboardingDecision struct {
	required  bool
	delivered bool
}

// NewGate constructs a Gate around the provisioner.
func NewGate(provisioner Provisioner, logger *zap.Logger) (*Gate, error) {
	if provisioner == nil {
		return nil, errMissingProvisioner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		provisioner: provisioner,
		logger:      logger,
		decisions:   make(map[string]*onboardingDecision),
	}, nil
}

// SignIn provisions the user's profile and records the onboarding decision for the session.
// Repeated sign-ins for the same session keep the first decision.
func (g *Gate) SignIn(ctx context.Context, sessionID, userID string) (Profile, error) {
	profile, err := g.provisioner.EnsureProfile(ctx, userID)
	if err != nil {
		g.logger.Warn("profile provisioning failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err))
		return Profile{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, decided := g.decisions[sessionID]; !decided {
		g.decisions[sessionID] = &onboardingDecision{required: !profile.Complete()}
		if !profile.Complete() {
			g.logger.Info("profile incomplete, onboarding required",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID))
		}
	}
	return profile, nil
}

// TakeOnboarding reports whether the session should be redirected to profile setup.
// It returns true at most once per session and never for a session whose profile was complete.
func (g *Gate) TakeOnboarding(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	decision, ok := g.decisions[sessionID]
	if !ok || decision.delivered {
		return false
	}
	decision.delivered = true
	return decision.required
}

// SignOut forgets the session's onboarding decision.
func (g *Gate) SignOut(sessionID string) {
	g.mu.Lock()
	delete(g.decisions, sessionID)
	g.mu.Unlock()
}
