package relations

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew   = "relations.service.new"
	opToggle       = "relations.toggle"
	opState        = "relations.state"
	opCount        = "relations.count"
	opCountByActor = "relations.count_by_actor"

	maxIdentifierLength = 190
	toggleAttempts      = 2
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errUnknownKind     = errors.New("unknown relation kind")
	errMissingNotes    = errors.New("note lookup is required for cheers")
	errMissingProfiles = errors.New("profile directory is required")
	errInvalidActor    = errors.New("actor id must be non-empty and at most 190 characters")
	errInvalidTarget   = errors.New("target id must be non-empty and at most 190 characters")
	errSelfFollow      = errors.New("users cannot follow themselves")
	errSelfCheer       = errors.New("users cannot cheer their own notes")
	errLostRace        = errors.New("relation changed concurrently")
)

// NoteLookup reads a note under the actor's visibility.
type NoteLookup interface {
	Get(ctx context.Context, viewerID, noteID string) (notes.NoteView, error)
}

// ProfileDirectory resolves follow targets and provisions actors.
type ProfileDirectory interface {
	EnsureProfile(ctx context.Context, userID string) (profiles.Profile, error)
	Get(ctx context.Context, userID string) (profiles.Profile, error)
}

type ServiceConfig struct {
	Database       *gorm.DB
	Kind           Kind
	Clock          func() time.Time
	Logger         *zap.Logger
	Publisher      realtime.Publisher
	Notes          NoteLookup
	Profiles       ProfileDirectory
	AllowSelfCheer bool
}

// ToggleResult reports the membership after a toggle.
type ToggleResult struct {
	Kind     Kind   `json:"kind"`
	ActorID  string `json:"actor_id"`
	TargetID string `json:"target_id"`
	State    State  `json:"state"`
}

// Service toggles one relation kind. At most one edge exists per (actor, target) pair.
type Service struct {
	db             *gorm.DB
	kind           Kind
	schema         edgeSchema
	clock          func() time.Time
	logger         *zap.Logger
	publisher      realtime.Publisher
	notes          NoteLookup
	profiles       ProfileDirectory
	allowSelfCheer bool
	inflight       sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	schema, ok := schemaFor(cfg.Kind)
	if !ok {
		return nil, apperr.NewServiceError(opServiceNew, "unknown_kind", apperr.Validation(errUnknownKind))
	}
	if cfg.Profiles == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_profiles", errMissingProfiles)
	}
	if cfg.Kind == KindCheer && cfg.Notes == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_notes", errMissingNotes)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:             cfg.Database,
		kind:           cfg.Kind,
		schema:         schema,
		clock:          clock,
		logger:         logger,
		publisher:      cfg.Publisher,
		notes:          cfg.Notes,
		profiles:       cfg.Profiles,
		allowSelfCheer: cfg.AllowSelfCheer,
	}, nil
}

// Kind reports the relation kind the service manages.
func (s *Service) Kind() Kind {
	return s.kind
}

// Toggle flips membership for (actorID, targetID): an absent edge is inserted and ON is returned,
// a present edge is removed and OFF is returned. A second toggle for the same pair while the first
// is outstanding fails with apperr.ErrBusy.
func (s *Service) Toggle(ctx context.Context, actorID, targetID string) (ToggleResult, error) {
	actor, target, err := s.validatePair(actorID, targetID)
	if err != nil {
		return ToggleResult{}, apperr.NewServiceError(opToggle, "invalid_request", err)
	}

	key := string(s.kind) + "\x00" + actor + "\x00" + target
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		s.logger.Debug("relation toggle rejected while in flight",
			zap.String("kind", string(s.kind)),
			zap.String("actor_id", actor),
			zap.String("target_id", target))
		return ToggleResult{}, apperr.NewServiceError(opToggle, "busy", apperr.ErrBusy)
	}
	defer s.inflight.Delete(key)

	checked := false
	for attempt := 1; attempt <= toggleAttempts; attempt++ {
		// An owned edge is removed without consulting the target, so it can always be withdrawn.
		removed, err := s.removeEdge(ctx, actor, target)
		if err != nil {
			s.logError(opToggle, "store_failed", err, zap.String("actor_id", actor), zap.String("target_id", target))
			return ToggleResult{}, apperr.NewServiceError(opToggle, "store_failed", err)
		}
		if removed {
			return ToggleResult{Kind: s.kind, ActorID: actor, TargetID: target, State: StateOff}, nil
		}

		if !checked {
			if err := s.checkTarget(ctx, actor, target); err != nil {
				return ToggleResult{}, err
			}
			if _, err := s.profiles.EnsureProfile(ctx, actor); err != nil {
				return ToggleResult{}, err
			}
			checked = true
		}

		inserted, err := s.insertEdge(ctx, actor, target)
		if err != nil {
			s.logError(opToggle, "store_failed", err, zap.String("actor_id", actor), zap.String("target_id", target))
			return ToggleResult{}, apperr.NewServiceError(opToggle, "store_failed", err)
		}
		if inserted {
			return ToggleResult{Kind: s.kind, ActorID: actor, TargetID: target, State: StateOn}, nil
		}
		s.logger.Debug("relation toggle lost a race",
			zap.String("kind", string(s.kind)),
			zap.String("actor_id", actor),
			zap.String("target_id", target),
			zap.Int("attempt", attempt))
	}
	s.logError(opToggle, "conflict", errLostRace, zap.String("actor_id", actor), zap.String("target_id", target))
	return ToggleResult{}, apperr.NewServiceError(opToggle, "conflict", errors.Join(apperr.ErrConflict, errLostRace))
}

// State reports whether an edge exists for the pair.
func (s *Service) State(ctx context.Context, actorID, targetID string) (State, error) {
	actor, target, err := s.validateIDs(actorID, targetID)
	if err != nil {
		return StateOff, apperr.NewServiceError(opState, "invalid_request", err)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(edgeModel(s.kind)).
		Where(s.schema.actorColumn+" = ? AND "+s.schema.targetColumn+" = ?", actor, target).
		Count(&count).Error; err != nil {
		s.logError(opState, "query_failed", err, zap.String("actor_id", actor), zap.String("target_id", target))
		return StateOff, apperr.NewServiceError(opState, "query_failed", err)
	}
	if count > 0 {
		return StateOn, nil
	}
	return StateOff, nil
}

// Count returns the number of edges pointing at targetID (followers or cheers).
func (s *Service) Count(ctx context.Context, targetID string) (int64, error) {
	return s.count(ctx, opCount, s.schema.targetColumn, targetID)
}

// CountByActor returns the number of edges created by actorID.
func (s *Service) CountByActor(ctx context.Context, actorID string) (int64, error) {
	return s.count(ctx, opCountByActor, s.schema.actorColumn, actorID)
}

func (s *Service) count(ctx context.Context, operation, column, value string) (int64, error) {
	identifier := strings.TrimSpace(value)
	if identifier == "" {
		return 0, apperr.NewServiceError(operation, "invalid_request", apperr.Validation(errInvalidTarget))
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(edgeModel(s.kind)).Where(column+" = ?", identifier).Count(&count).Error; err != nil {
		s.logError(operation, "query_failed", err, zap.String(column, identifier))
		return 0, apperr.NewServiceError(operation, "query_failed", err)
	}
	return count, nil
}

func (s *Service) removeEdge(ctx context.Context, actor, target string) (bool, error) {
	removal := s.db.WithContext(ctx).
		Where(s.schema.actorColumn+" = ? AND "+s.schema.targetColumn+" = ?", actor, target).
		Delete(edgeModel(s.kind))
	if removal.Error != nil {
		return false, removal.Error
	}
	return removal.RowsAffected == 1, nil
}

// insertEdge reports false when a concurrent toggle created the edge first.
func (s *Service) insertEdge(ctx context.Context, actor, target string) (bool, error) {
	now := s.clock().UTC()
	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newEdge(s.kind, actor, target, now))
	if insert.Error != nil {
		if apperr.IsUniqueViolation(insert.Error) {
			return false, nil
		}
		return false, insert.Error
	}
	if insert.RowsAffected != 1 {
		return false, nil
	}
	s.publish(actor, target, now)
	return true, nil
}

func (s *Service) checkTarget(ctx context.Context, actor, target string) error {
	switch s.kind {
	case KindFollow:
		_, err := s.profiles.Get(ctx, target)
		return err
	case KindCheer:
		note, err := s.notes.Get(ctx, actor, target)
		if err != nil {
			return err
		}
		if !s.allowSelfCheer && note.UserID == actor {
			return apperr.NewServiceError(opToggle, "self_cheer", apperr.Validation(errSelfCheer))
		}
	}
	return nil
}

func (s *Service) validatePair(actorID, targetID string) (string, string, error) {
	actor, target, err := s.validateIDs(actorID, targetID)
	if err != nil {
		return "", "", err
	}
	if s.kind == KindFollow && actor == target {
		return "", "", apperr.Validation(errSelfFollow)
	}
	return actor, target, nil
}

func (s *Service) validateIDs(actorID, targetID string) (string, string, error) {
	actor := strings.TrimSpace(actorID)
	if actor == "" || len(actor) > maxIdentifierLength {
		return "", "", apperr.Validation(errInvalidActor)
	}
	target := strings.TrimSpace(targetID)
	if target == "" || len(target) > maxIdentifierLength {
		return "", "", apperr.Validation(errInvalidTarget)
	}
	return actor, target, nil
}

func (s *Service) publish(actor, target string, at time.Time) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.InsertEvent{
		Table: s.schema.table,
		Row: map[string]string{
			s.schema.actorColumn:  actor,
			s.schema.targetColumn: target,
			"created_at":          at.Format(time.RFC3339Nano),
		},
		Timestamp: at,
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("kind", string(s.kind)),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relations service error", attrs...)
}
