// Package threads resolves thread roots and loads flattened reply lists.
package threads

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"go.uber.org/zap"
)

const (
	opResolverNew = "threads.resolver.new"
	opResolveRoot = "threads.resolve_root"
	opLoadThread  = "threads.load_thread"
	opReply       = "threads.reply"
)

var (
	errMissingNotes = errors.New("note store is required")
	errNotRoot      = errors.New("note is a reply, not a thread root")
)

// NoteStore is the subset of the note service the resolver reads and writes through.
type NoteStore interface {
	Get(ctx context.Context, viewerID, noteID string) (notes.NoteView, error)
	Query(ctx context.Context, viewerID string, query notes.Query) ([]notes.NoteView, error)
	Create(ctx context.Context, authorID string, draft notes.Draft) (notes.NoteView, error)
}

// Thread is a root note with its replies in creation order.
type Thread struct {
	Root    notes.NoteView   `json:"root"`
	Replies []notes.NoteView `json:"replies"`
}

// LoadOptions tunes LoadThread.
type LoadOptions struct {
	IncludeArchived bool
}

// Resolver maps any note id onto its thread root in a single lookup.
type Resolver struct {
	notes  NoteStore
	logger *zap.Logger
}

func NewResolver(store NoteStore, logger *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, apperr.NewServiceError(opResolverNew, "missing_notes", errMissingNotes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{notes: store, logger: logger}, nil
}

// ResolveRoot returns the root id of the thread containing noteID. A missing note resolves to
// noteID itself so reply and root views share one path. AccessDenied is surfaced to the caller.
func (r *Resolver) ResolveRoot(ctx context.Context, viewerID, noteID string) (string, error) {
	identifier, err := notes.NewNoteID(noteID)
	if err != nil {
		return "", apperr.NewServiceError(opResolveRoot, "invalid_note_id", apperr.Validation(err))
	}
	note, err := r.notes.Get(ctx, viewerID, identifier.String())
	switch {
	case err == nil:
		return note.RootID(), nil
	case errors.Is(err, apperr.ErrNotFound):
		return identifier.String(), nil
	default:
		return "", err
	}
}

// LoadThread returns the root and its replies ordered ascending by creation time with id as
// tie-break. The root is never part of the reply list. Archived replies are omitted unless requested.
func (r *Resolver) LoadThread(ctx context.Context, viewerID, rootID string, opts LoadOptions) (Thread, error) {
	identifier, err := notes.NewNoteID(rootID)
	if err != nil {
		return Thread{}, apperr.NewServiceError(opLoadThread, "invalid_root_id", apperr.Validation(err))
	}
	root, err := r.notes.Get(ctx, viewerID, identifier.String())
	if err != nil {
		return Thread{}, err
	}
	if !root.IsRoot() {
		return Thread{}, apperr.NewServiceError(opLoadThread, "not_root", apperr.Validation(errNotRoot))
	}

	replies, err := r.loadReplies(ctx, viewerID, root.ID, opts)
	if err != nil {
		r.logger.Warn("thread replies unavailable",
			zap.String("root_id", root.ID),
			zap.Error(err))
		return Thread{}, err
	}
	sortChronologically(replies)
	return Thread{Root: root, Replies: replies}, nil
}

// Reply posts a note into the thread of targetID. The stored thread id is the target's root,
// so replying to a reply stays one level deep.
func (r *Resolver) Reply(ctx context.Context, authorID, targetID string, draft notes.Draft) (notes.NoteView, error) {
	rootID, err := r.ResolveRoot(ctx, authorID, targetID)
	if err != nil {
		return notes.NoteView{}, err
	}
	draft.ThreadID = rootID
	created, err := r.notes.Create(ctx, authorID, draft)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTransient {
			r.logger.Error("thread reply failed",
				zap.String("operation", opReply),
				zap.String("root_id", rootID),
				zap.Error(err))
		}
		return notes.NoteView{}, err
	}
	return created, nil
}

// loadReplies pages through the thread until a short page, so no reply is dropped.
func (r *Resolver) loadReplies(ctx context.Context, viewerID, rootID string, opts LoadOptions) ([]notes.NoteView, error) {
	query := notes.Query{
		ThreadID:        rootID,
		ExcludeID:       rootID,
		IncludeArchived: opts.IncludeArchived,
		Ascending:       true,
		Limit:           notes.MaxPageSize,
	}
	var replies []notes.NoteView
	for {
		page, err := r.notes.Query(ctx, viewerID, query)
		if err != nil {
			return nil, err
		}
		replies = append(replies, page...)
		if len(page) < notes.MaxPageSize {
			return replies, nil
		}
		query.After = notes.CursorOf(page[len(page)-1])
	}
}

func sortChronologically(views []notes.NoteView) {
	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
}
