package feed

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
)

// ScopeKind selects which notes a feed holds.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeAuthor ScopeKind = "author"
	ScopeThread ScopeKind = "thread"
)

var (
	errUnknownScope  = errors.New("scope must be global, author or thread")
	errMissingAuthor = errors.New("author scope requires an author id")
	errMissingRoot   = errors.New("thread scope requires a root id")
)

// Scope describes the visibility scope of a feed. The global feed holds thread roots newest first,
// the author feed holds one author's notes newest first, the thread feed holds the replies of one
// root oldest first.
type Scope struct {
	Kind            ScopeKind
	AuthorID        string
	RootID          string
	IncludeArchived bool
}

// ParseScopeKind accepts a scope name; empty input means global.
func ParseScopeKind(raw string) (ScopeKind, error) {
	switch kind := ScopeKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case "":
		return ScopeGlobal, nil
	case ScopeGlobal, ScopeAuthor, ScopeThread:
		return kind, nil
	default:
		return "", apperr.Validation(errUnknownScope)
	}
}

// Validate checks that the scope carries the identifiers its kind needs.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeAuthor:
		if strings.TrimSpace(s.AuthorID) == "" {
			return apperr.Validation(errMissingAuthor)
		}
		return nil
	case ScopeThread:
		if strings.TrimSpace(s.RootID) == "" {
			return apperr.Validation(errMissingRoot)
		}
		return nil
	default:
		return apperr.Validation(errUnknownScope)
	}
}

// Ascending reports whether the feed is held oldest first.
func (s Scope) Ascending() bool {
	return s.Kind == ScopeThread
}

func (s Scope) filter() realtime.Filter {
	switch s.Kind {
	case ScopeAuthor:
		return realtime.Filter{Table: realtime.TableNotes, Column: "user_id", Value: s.AuthorID}
	case ScopeThread:
		return realtime.Filter{Table: realtime.TableNotes, Column: "thread_id", Value: s.RootID}
	default:
		return realtime.Filter{Table: realtime.TableNotes, Column: "thread_id", Value: ""}
	}
}

// query selects the newest limit notes of the scope.
func (s Scope) query(limit int) notes.Query {
	query := notes.Query{
		IncludeArchived: s.IncludeArchived,
		Limit:           limit,
	}
	switch s.Kind {
	case ScopeAuthor:
		query.AuthorID = s.AuthorID
	case ScopeThread:
		query.ThreadID = s.RootID
		query.ExcludeID = s.RootID
	default:
		query.RootsOnly = true
	}
	return query
}

func (s Scope) matches(note notes.Note) bool {
	if note.Archived && !s.IncludeArchived {
		return false
	}
	switch s.Kind {
	case ScopeAuthor:
		return note.UserID == s.AuthorID
	case ScopeThread:
		return note.ThreadID == s.RootID && note.ID != s.RootID
	default:
		return note.IsRoot()
	}
}
