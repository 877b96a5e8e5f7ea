package notes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProfiles   = errors.New("profile directory is required")
	errHidden            = errors.New("note is not visible to the viewer")
	errNotAuthor         = errors.New("notes can only be modified by their author")
	errReplyTarget       = errors.New("thread_id must reference a root note")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "notes.service.new"
	opCreate       = "notes.create"
	opGet          = "notes.get"
	opQuery        = "notes.query"
	opUpdate       = "notes.update"
	opArchive      = "notes.archive"
	opDelete       = "notes.delete"
	opAddComment   = "notes.add_comment"
	opListComments = "notes.list_comments"
	opGetComment   = "notes.get_comment"

	// DefaultPageSize bounds queries that do not specify a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single Query page.
	MaxPageSize = 200

	followsTable = realtime.TableFollows
	cheersTable  = realtime.TableCheers
)

// ProfileDirectory provisions authors and supplies the author projection.
type ProfileDirectory interface {
	EnsureProfile(ctx context.Context, userID string) (profiles.Profile, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]profiles.Profile, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Profiles   ProfileDirectory
	Publisher  realtime.Publisher
	Logger     *zap.Logger
}

// Service stores notes and comments and enforces the visibility policy on every read.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	profiles   ProfileDirectory
	publisher  realtime.Publisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Profiles == nil {
		return nil, apperr.NewServiceError(opServiceNew, "missing_profiles", errMissingProfiles)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		profiles:   cfg.Profiles,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// Create stores a new note authored by authorID. A non-empty draft ThreadID must reference
// an existing root visible to the author.
func (s *Service) Create(ctx context.Context, authorID string, draft Draft) (NoteView, error) {
	author, err := NewUserID(authorID)
	if err != nil {
		return NoteView{}, apperr.NewServiceError(opCreate, "invalid_author", apperr.Validation(err))
	}
	content, err := normalizeContent(draft.Body, draft.Tags)
	if err != nil {
		return NoteView{}, apperr.NewServiceError(opCreate, "invalid_content", err)
	}
	kind, err := ParseKind(draft.Kind)
	if err != nil {
		return NoteView{}, apperr.NewServiceError(opCreate, "invalid_kind", apperr.Validation(err))
	}
	privacy, err := ParsePrivacy(draft.Privacy)
	if err != nil {
		return NoteView{}, apperr.NewServiceError(opCreate, "invalid_privacy", apperr.Validation(err))
	}

	threadID := ""
	if strings.TrimSpace(draft.ThreadID) != "" {
		parent, err := s.load(ctx, opCreate, author.String(), draft.ThreadID)
		if err != nil {
			return NoteView{}, err
		}
		if !parent.IsRoot() {
			return NoteView{}, apperr.NewServiceError(opCreate, "reply_target", apperr.Validation(errReplyTarget))
		}
		threadID = parent.ID
	}

	if _, err := s.profiles.EnsureProfile(ctx, author.String()); err != nil {
		return NoteView{}, err
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("user_id", author.String()))
		return NoteView{}, apperr.NewServiceError(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	note := Note{
		ID:        noteID,
		UserID:    author.String(),
		Kind:      kind,
		Body:      content.Body,
		Tags:      content.Tags,
		Privacy:   privacy,
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("user_id", author.String()), zap.String("note_id", noteID))
		return NoteView{}, apperr.NewServiceError(opCreate, "insert_failed", err)
	}

	s.publish(realtime.TableNotes, now, map[string]string{
		"id":         note.ID,
		"user_id":    note.UserID,
		"thread_id":  note.ThreadID,
		"kind":       string(note.Kind),
		"privacy":    string(note.Privacy),
		"created_at": now.Format(time.RFC3339Nano),
	})

	views, err := s.attachAuthors(ctx, opCreate, []Note{note})
	if err != nil {
		return NoteView{}, err
	}
	return views[0], nil
}

// Get returns a single note. A note hidden by the visibility policy is AccessDenied, never NotFound.
func (s *Service) Get(ctx context.Context, viewerID, noteID string) (NoteView, error) {
	note, err := s.load(ctx, opGet, viewerID, noteID)
	if err != nil {
		return NoteView{}, err
	}
	views, err := s.attachAuthors(ctx, opGet, []Note{note})
	if err != nil {
		return NoteView{}, err
	}
	return views[0], nil
}

// Query lists notes visible to viewerID. Hidden rows are excluded without error.
func (s *Service) Query(ctx context.Context, viewerID string, query Query) ([]NoteView, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	tx := s.visible(s.db.WithContext(ctx).Model(&Note{}), strings.TrimSpace(viewerID))
	if query.AuthorID != "" {
		tx = tx.Where("notes.user_id = ?", query.AuthorID)
	}
	if query.ThreadID != "" {
		tx = tx.Where("notes.thread_id = ?", query.ThreadID)
	}
	if query.RootsOnly {
		tx = tx.Where("(notes.thread_id = '' OR notes.thread_id = notes.id)")
	}
	if !query.IncludeArchived {
		tx = tx.Where("notes.archived = ?", false)
	}
	if query.ExcludeID != "" {
		tx = tx.Where("notes.id <> ?", query.ExcludeID)
	}
	if cursor := query.After; cursor != nil {
		comparison := "<"
		if query.Ascending {
			comparison = ">"
		}
		tx = tx.Where("(notes.created_at "+comparison+" ? OR (notes.created_at = ? AND notes.id "+comparison+" ?))",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if query.Ascending {
		tx = tx.Order("notes.created_at ASC").Order("notes.id ASC")
	} else {
		tx = tx.Order("notes.created_at DESC").Order("notes.id DESC")
	}

	var rows []Note
	if err := tx.Limit(limit).Find(&rows).Error; err != nil {
		s.logError(opQuery, "query_failed", err, zap.String("viewer_id", viewerID))
		return nil, apperr.NewServiceError(opQuery, "query_failed", err)
	}
	return s.attachAuthors(ctx, opQuery, rows)
}

// Update applies an author edit to the note body and tags.
func (s *Service) Update(ctx context.Context, actorID, noteID string, edit Edit) (NoteView, error) {
	note, err := s.loadOwned(ctx, opUpdate, actorID, noteID)
	if err != nil {
		return NoteView{}, err
	}

	body := note.Body
	if edit.Body != nil {
		body = *edit.Body
	}
	tags := []string(note.Tags)
	if edit.Tags != nil {
		tags = *edit.Tags
	}
	content, err := normalizeContent(body, tags)
	if err != nil {
		return NoteView{}, apperr.NewServiceError(opUpdate, "invalid_content", err)
	}

	changes := map[string]interface{}{
		"body":       content.Body,
		"tags":       datatypes.JSONSlice[string](content.Tags),
		"updated_at": s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&Note{}).Where("id = ?", note.ID).Updates(changes).Error; err != nil {
		s.logError(opUpdate, "update_failed", err, zap.String("note_id", note.ID))
		return NoteView{}, apperr.NewServiceError(opUpdate, "update_failed", err)
	}
	return s.Get(ctx, actorID, note.ID)
}

// SetArchived flags or unflags the note as archived.
func (s *Service) SetArchived(ctx context.Context, actorID, noteID string, archived bool) (NoteView, error) {
	note, err := s.loadOwned(ctx, opArchive, actorID, noteID)
	if err != nil {
		return NoteView{}, err
	}
	changes := map[string]interface{}{
		"archived":   archived,
		"updated_at": s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&Note{}).Where("id = ?", note.ID).Updates(changes).Error; err != nil {
		s.logError(opArchive, "update_failed", err, zap.String("note_id", note.ID))
		return NoteView{}, apperr.NewServiceError(opArchive, "update_failed", err)
	}
	return s.Get(ctx, actorID, note.ID)
}

// Delete removes the note with its comments and cheers. Deleting a root also removes its replies.
func (s *Service) Delete(ctx context.Context, actorID, noteID string) error {
	note, err := s.loadOwned(ctx, opDelete, actorID, noteID)
	if err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := []string{note.ID}
		if note.IsRoot() {
			var replyIDs []string
			if err := tx.Model(&Note{}).Where("thread_id = ? AND id <> ?", note.ID, note.ID).Pluck("id", &replyIDs).Error; err != nil {
				return err
			}
			ids = append(ids, replyIDs...)
		}
		if err := tx.Where("note_id IN ?", ids).Delete(&Comment{}).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM "+cheersTable+" WHERE note_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Note{}).Error
	})
	if txErr != nil {
		s.logError(opDelete, "delete_failed", txErr, zap.String("note_id", note.ID))
		return apperr.NewServiceError(opDelete, "delete_failed", txErr)
	}
	return nil
}

// AddComment appends a comment to a note visible to the author.
func (s *Service) AddComment(ctx context.Context, authorID, noteID, body string) (CommentView, error) {
	author, err := NewUserID(authorID)
	if err != nil {
		return CommentView{}, apperr.NewServiceError(opAddComment, "invalid_author", apperr.Validation(err))
	}
	trimmed := strings.TrimSpace(body)
	if err := validation.Validate(trimmed, validation.Required, validation.RuneLength(1, maxBodyLength)); err != nil {
		return CommentView{}, apperr.NewServiceError(opAddComment, "invalid_body", apperr.Validation(err))
	}
	note, err := s.load(ctx, opAddComment, author.String(), noteID)
	if err != nil {
		return CommentView{}, err
	}
	if _, err := s.profiles.EnsureProfile(ctx, author.String()); err != nil {
		return CommentView{}, err
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddComment, "id_generation_failed", err, zap.String("note_id", note.ID))
		return CommentView{}, apperr.NewServiceError(opAddComment, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	comment := Comment{
		ID:        commentID,
		NoteID:    note.ID,
		UserID:    author.String(),
		Body:      trimmed,
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opAddComment, "insert_failed", err, zap.String("note_id", note.ID))
		return CommentView{}, apperr.NewServiceError(opAddComment, "insert_failed", err)
	}

	s.publish(realtime.TableComments, now, map[string]string{
		"id":         comment.ID,
		"note_id":    comment.NoteID,
		"user_id":    comment.UserID,
		"created_at": now.Format(time.RFC3339Nano),
	})

	views, err := s.attachCommentAuthors(ctx, opAddComment, []Comment{comment})
	if err != nil {
		return CommentView{}, err
	}
	return views[0], nil
}

// ListComments returns the comments of a visible note ordered by creation time, id as tie-break.
func (s *Service) ListComments(ctx context.Context, viewerID, noteID string) ([]CommentView, error) {
	note, err := s.load(ctx, opListComments, viewerID, noteID)
	if err != nil {
		return nil, err
	}
	var rows []Comment
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", note.ID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("note_id", note.ID))
		return nil, apperr.NewServiceError(opListComments, "query_failed", err)
	}
	return s.attachCommentAuthors(ctx, opListComments, rows)
}

// GetComment returns one comment when its note is visible to the viewer.
func (s *Service) GetComment(ctx context.Context, viewerID, commentID string) (CommentView, error) {
	identifier, err := NewNoteID(commentID)
	if err != nil {
		return CommentView{}, apperr.NewServiceError(opGetComment, "invalid_comment_id", apperr.Validation(err))
	}
	var comment Comment
	if err := s.db.WithContext(ctx).Where("id = ?", identifier.String()).Take(&comment).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opGetComment, "select_failed", err, zap.String("comment_id", identifier.String()))
		}
		return CommentView{}, apperr.NewServiceError(opGetComment, "select_failed", err)
	}
	if _, err := s.load(ctx, opGetComment, viewerID, comment.NoteID); err != nil {
		return CommentView{}, err
	}
	views, err := s.attachCommentAuthors(ctx, opGetComment, []Comment{comment})
	if err != nil {
		return CommentView{}, err
	}
	return views[0], nil
}

func (s *Service) load(ctx context.Context, operation, viewerID, noteID string) (Note, error) {
	identifier, err := NewNoteID(noteID)
	if err != nil {
		return Note{}, apperr.NewServiceError(operation, "invalid_note_id", apperr.Validation(err))
	}
	var note Note
	if err := s.db.WithContext(ctx).Where("id = ?", identifier.String()).Take(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Note{}, apperr.NewServiceError(operation, "not_found", err)
		}
		s.logError(operation, "select_failed", err, zap.String("note_id", identifier.String()))
		return Note{}, apperr.NewServiceError(operation, "select_failed", err)
	}
	visible, err := s.canView(ctx, strings.TrimSpace(viewerID), note)
	if err != nil {
		s.logError(operation, "visibility_failed", err, zap.String("note_id", note.ID))
		return Note{}, apperr.NewServiceError(operation, "visibility_failed", err)
	}
	if !visible {
		return Note{}, apperr.NewServiceError(operation, "access_denied", errors.Join(apperr.ErrAccessDenied, errHidden))
	}
	return note, nil
}

func (s *Service) loadOwned(ctx context.Context, operation, actorID, noteID string) (Note, error) {
	note, err := s.load(ctx, operation, actorID, noteID)
	if err != nil {
		return Note{}, err
	}
	if note.UserID != strings.TrimSpace(actorID) {
		return Note{}, apperr.NewServiceError(operation, "not_author", errors.Join(apperr.ErrAccessDenied, errNotAuthor))
	}
	return note, nil
}

func (s *Service) canView(ctx context.Context, viewerID string, note Note) (bool, error) {
	if viewerID != "" && note.UserID == viewerID {
		return true, nil
	}
	switch note.Privacy {
	case PrivacyPublic:
		return true, nil
	case PrivacyFollowers:
		if viewerID == "" {
			return false, nil
		}
		var count int64
		err := s.db.WithContext(ctx).Table(followsTable).
			Where("follower_id = ? AND followed_id = ?", viewerID, note.UserID).
			Count(&count).Error
		return count > 0, err
	default:
		return false, nil
	}
}

func (s *Service) visible(tx *gorm.DB, viewerID string) *gorm.DB {
	return tx.Where(
		"(notes.user_id = ? OR notes.privacy = ? OR (notes.privacy = ? AND EXISTS (SELECT 1 FROM "+followsTable+
			" WHERE "+followsTable+".follower_id = ? AND "+followsTable+".followed_id = notes.user_id)))",
		viewerID, string(PrivacyPublic), string(PrivacyFollowers), viewerID,
	)
}

func (s *Service) attachAuthors(ctx context.Context, operation string, rows []Note) ([]NoteView, error) {
	directory, err := s.authorDirectory(ctx, operation, noteAuthors(rows))
	if err != nil {
		return nil, err
	}
	views := make([]NoteView, 0, len(rows))
	for _, row := range rows {
		views = append(views, NoteView{Note: row, Author: directory.author(row.UserID)})
	}
	return views, nil
}

func (s *Service) attachCommentAuthors(ctx context.Context, operation string, rows []Comment) ([]CommentView, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	directory, err := s.authorDirectory(ctx, operation, ids)
	if err != nil {
		return nil, err
	}
	views := make([]CommentView, 0, len(rows))
	for _, row := range rows {
		views = append(views, CommentView{Comment: row, Author: directory.author(row.UserID)})
	}
	return views, nil
}

type authorDirectory map[string]profiles.Profile

func (d authorDirectory) author(userID string) Author {
	profile, ok := d[userID]
	if !ok {
		return Author{ID: userID}
	}
	return Author{
		ID:        userID,
		Handle:    profile.HandleValue(),
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
	}
}

func (s *Service) authorDirectory(ctx context.Context, operation string, userIDs []string) (authorDirectory, error) {
	unique := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	found, err := s.profiles.GetMany(ctx, unique)
	if err != nil {
		s.logError(operation, "author_lookup_failed", err)
		return nil, err
	}
	return authorDirectory(found), nil
}

func noteAuthors(rows []Note) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids
}

type noteContent struct {
	Body string
	Tags []string
}

func normalizeContent(body string, tags []string) (noteContent, error) {
	normalized := noteContent{
		Body: strings.TrimSpace(body),
		Tags: NormalizeTags(tags),
	}
	err := validation.ValidateStruct(&normalized,
		validation.Field(&normalized.Body, validation.Required, validation.RuneLength(1, maxBodyLength)),
		validation.Field(&normalized.Tags, validation.Length(0, maxTags), validation.Each(validation.RuneLength(1, maxTagLength))),
	)
	if err != nil {
		return noteContent{}, apperr.Validation(err)
	}
	return normalized, nil
}

func (s *Service) publish(table string, at time.Time, row map[string]string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.InsertEvent{Table: table, Row: row, Timestamp: at})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}
