package profiles

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "profiles.service.new"
	opEnsure     = "profiles.ensure"
	opGet        = "profiles.get"
	opGetMany    = "profiles.get_many"
	opUpdate     = "profiles.update"

	maxIdentifierLength = 190
	provisionTimeout    = 10 * time.Second
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidUserID   = errors.New("user id must be non-empty and at most 190 characters")
	errNotOwner        = errors.New("profiles can only be modified by their owner")
	handlePattern      = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)
)

// ServiceConfig describes the dependencies required for profile management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service provisions and maintains profiles.
type Service struct {
	db          *gorm.DB
	now         func() time.Time
	logger      *zap.Logger
	provisioned sync.Map
	inflight    singleflight.Group
}

// Update describes a partial profile edit. Nil fields are left untouched.
type Update struct {
	Handle    *string
	Name      *string
	Bio       *string
	Location  *string
	AvatarURL *string
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
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
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// EnsureProfile guarantees that a profile row exists for userID and returns it.
// An existing row is never modified. Concurrent calls for the same user share one store round trip.
func (s *Service) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	identifier, err := validateUserID(userID)
	if err != nil {
		return Profile{}, apperr.NewServiceError(opEnsure, "invalid_user_id", err)
	}

	// The shared round trip outlives any single caller; each caller still stops waiting on its own ctx.
	flight := s.inflight.DoChan(identifier, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
		defer cancel()
		if _, ok := s.provisioned.Load(identifier); !ok {
			now := s.now().UTC()
			bare := Profile{ID: identifier, CreatedAt: now, UpdatedAt: now}
			if err := s.db.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
				Create(&bare).Error; err != nil {
				s.logError(opEnsure, "insert_failed", err, zap.String("user_id", identifier))
				return Profile{}, apperr.NewServiceError(opEnsure, "insert_failed", err)
			}
		}

		var profile Profile
		if err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&profile).Error; err != nil {
			s.logError(opEnsure, "select_failed", err, zap.String("user_id", identifier))
			return Profile{}, apperr.NewServiceError(opEnsure, "select_failed", err)
		}
		s.provisioned.Store(identifier, struct{}{})
		return profile, nil
	})
	select {
	case result := <-flight:
		if result.Err != nil {
			return Profile{}, result.Err
		}
		return result.Val.(Profile), nil
	case <-ctx.Done():
		return Profile{}, apperr.NewServiceError(opEnsure, "canceled", ctx.Err())
	}
}

// Get returns the profile for userID.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	identifier, err := validateUserID(userID)
	if err != nil {
		return Profile{}, apperr.NewServiceError(opGet, "invalid_user_id", err)
	}
	var profile Profile
	if err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, apperr.NewServiceError(opGet, "not_found", err)
		}
		s.logError(opGet, "select_failed", err, zap.String("user_id", identifier))
		return Profile{}, apperr.NewServiceError(opGet, "select_failed", err)
	}
	return profile, nil
}

// GetMany returns the profiles that exist for the provided ids, keyed by id.
func (s *Service) GetMany(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	result := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var rows []Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&rows).Error; err != nil {
		s.logError(opGetMany, "query_failed", err)
		return nil, apperr.NewServiceError(opGetMany, "query_failed", err)
	}
	for _, row := range rows {
		result[row.ID] = row
	}
	return result, nil
}

// Update applies the owner's edit to their profile. The profile is provisioned first when absent.
func (s *Service) Update(ctx context.Context, actorID, profileID string, update Update) (Profile, error) {
	if actorID != profileID {
		return Profile{}, apperr.NewServiceError(opUpdate, "not_owner", errors.Join(apperr.ErrAccessDenied, errNotOwner))
	}
	normalized, err := normalizeUpdate(update)
	if err != nil {
		return Profile{}, apperr.NewServiceError(opUpdate, "invalid_update", err)
	}
	if _, err := s.EnsureProfile(ctx, profileID); err != nil {
		return Profile{}, err
	}

	changes := map[string]interface{}{"updated_at": s.now().UTC()}
	if normalized.Handle != nil {
		if *normalized.Handle == "" {
			changes["handle"] = nil
		} else {
			changes["handle"] = *normalized.Handle
		}
	}
	if normalized.Name != nil {
		changes["name"] = *normalized.Name
	}
	if normalized.Bio != nil {
		changes["bio"] = *normalized.Bio
	}
	if normalized.Location != nil {
		changes["location"] = *normalized.Location
	}
	if normalized.AvatarURL != nil {
		changes["avatar_url"] = *normalized.AvatarURL
	}

	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", profileID).Updates(changes).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return Profile{}, apperr.NewServiceError(opUpdate, "handle_taken", err)
		}
		s.logError(opUpdate, "update_failed", err, zap.String("user_id", profileID))
		return Profile{}, apperr.NewServiceError(opUpdate, "update_failed", err)
	}
	return s.Get(ctx, profileID)
}

func normalizeUpdate(update Update) (Update, error) {
	normalized := Update{
		Handle:    trimmedPointer(update.Handle),
		Name:      trimmedPointer(update.Name),
		Bio:       trimmedPointer(update.Bio),
		Location:  trimmedPointer(update.Location),
		AvatarURL: trimmedPointer(update.AvatarURL),
	}
	if normalized.Handle != nil {
		lowered := strings.ToLower(strings.TrimPrefix(*normalized.Handle, "@"))
		normalized.Handle = &lowered
	}
	err := validation.ValidateStruct(&normalized,
		validation.Field(&normalized.Handle, validation.Match(handlePattern).Error("must be 3-30 lowercase letters, digits or underscores")),
		validation.Field(&normalized.Name, validation.Length(0, 80)),
		validation.Field(&normalized.Bio, validation.Length(0, 280)),
		validation.Field(&normalized.Location, validation.Length(0, 80)),
		validation.Field(&normalized.AvatarURL, validation.Length(0, 512)),
	)
	if err != nil {
		return Update{}, apperr.Validation(err)
	}
	return normalized, nil
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := normalize(*value)
	return &trimmed
}

func validateUserID(userID string) (string, error) {
	identifier := normalize(userID)
	if identifier == "" || len(identifier) > maxIdentifierLength {
		return "", apperr.Validation(errInvalidUserID)
	}
	return identifier, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("profiles service error", attrs...)
}
