package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Kind enumerates the note categories a user can post.
type Kind string

const (
	KindDid   Kind = "did"
	KindDoing Kind = "doing"
	KindWant  Kind = "want"
)

// Privacy controls which viewers may read a note.
type Privacy string

const (
	PrivacyPublic    Privacy = "public"
	PrivacyFollowers Privacy = "followers"
	PrivacyPrivate   Privacy = "private"
)

const (
	maxIdentifierLength = 190
	maxBodyLength       = 2000
	maxTagLength        = 32
	maxTags             = 10
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidKind indicates that a note kind is outside the closed set.
	ErrInvalidKind = errors.New("notes: invalid kind")
	// ErrInvalidPrivacy indicates an unknown privacy level.
	ErrInvalidPrivacy = errors.New("notes: invalid privacy")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseKind accepts a kind name in any letter case.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindDid, KindDoing, KindWant:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// ParsePrivacy accepts a privacy level; empty input means public.
func ParsePrivacy(raw string) (Privacy, error) {
	switch privacy := Privacy(strings.ToLower(strings.TrimSpace(raw))); privacy {
	case "":
		return PrivacyPublic, nil
	case PrivacyPublic, PrivacyFollowers, PrivacyPrivate:
		return privacy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPrivacy, raw)
	}
}

// ParseTags splits a comma separated tag list.
func ParseTags(raw string) []string {
	return NormalizeTags(strings.Split(raw, ","))
}

// NormalizeTags trims tags, drops empty entries and removes duplicates while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// Note is a posted life update. A note is a root when ThreadID is empty or equal to its own id;
// otherwise ThreadID references the root of the thread it replies to.
type Note struct {
	ID        string                      `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID    string                      `gorm:"column:user_id;size:190;not null;index:idx_notes_user_created,priority:1" json:"user_id"`
	Kind      Kind                        `gorm:"column:kind;size:16;not null" json:"kind"`
	Body      string                      `gorm:"column:body;type:text;not null" json:"body"`
	Tags      datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	Privacy   Privacy                     `gorm:"column:privacy;size:16;not null;default:public" json:"privacy"`
	ThreadID  string                      `gorm:"column:thread_id;size:190;not null;default:'';index:idx_notes_thread_created,priority:1" json:"thread_id,omitempty"`
	Archived  bool                        `gorm:"column:archived;not null;default:false" json:"archived"`
	CreatedAt time.Time                   `gorm:"column:created_at;not null;index:idx_notes_user_created,priority:2;index:idx_notes_thread_created,priority:2;index:idx_notes_created" json:"created_at"`
	UpdatedAt time.Time                   `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// IsRoot reports whether the note anchors its own thread.
func (n Note) IsRoot() bool {
	return n.ThreadID == "" || n.ThreadID == n.ID
}

// RootID returns the id of the thread the note belongs to.
func (n Note) RootID() string {
	if n.IsRoot() {
		return n.ID
	}
	return n.ThreadID
}

// Comment is an append-only remark attached to a note.
type Comment struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	NoteID    string    `gorm:"column:note_id;size:190;not null;index:idx_comments_note_created,priority:1" json:"note_id"`
	UserID    string    `gorm:"column:user_id;size:190;not null" json:"user_id"`
	Body      string    `gorm:"column:body;type:text;not null" json:"body"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_comments_note_created,priority:2" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Author is the profile projection joined onto notes and comments.
type Author struct {
	ID        string `json:"id"`
	Handle    string `json:"handle,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NoteView is a note together with its author projection.
type NoteView struct {
	Note
	Author Author `json:"author"`
}

// CommentView is a comment together with its author projection.
type CommentView struct {
	Comment
	Author Author `json:"author"`
}

// Draft describes a note to be created.
type Draft struct {
	Kind     string
	Body     string
	Tags     []string
	Privacy  string
	ThreadID string
}

// Edit describes an author edit. Nil fields are left untouched.
type Edit struct {
	Body *string
	Tags *[]string
}

// Query selects notes visible to a viewer. Results are ordered by creation time, id as tie-break.
type Query struct {
	AuthorID        string
	ThreadID        string
	RootsOnly       bool
	IncludeArchived bool
	Ascending       bool
	Limit           int
	ExcludeID       string
	// After resumes a listing strictly past the given row in the query's order.
	After *Cursor
}

// Cursor is a keyset position in a creation-ordered listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of view for resuming a listing after it.
func CursorOf(view NoteView) *Cursor {
	return &Cursor{CreatedAt: view.CreatedAt, ID: view.ID}
}
