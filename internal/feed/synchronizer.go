// Package feed keeps a viewer's deduplicated, ordered list of notes in step with live inserts.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"go.uber.org/zap"
)

const (
	opNew    = "feed.new"
	opStart  = "feed.start"
	opReload = "feed.reload"

	updatesBufferSize = 16
)

var (
	errMissingNotes   = errors.New("note reader is required")
	errMissingEvents  = errors.New("event source is required")
	errAlreadyStarted = errors.New("feed already started")
	errNotStarted     = errors.New("feed not started")
	errClosed         = errors.New("feed closed")
)

// NoteReader reads notes under the viewer's visibility policy.
type NoteReader interface {
	Get(ctx context.Context, viewerID, noteID string) (notes.NoteView, error)
	Query(ctx context.Context, viewerID string, query notes.Query) ([]notes.NoteView, error)
}

// EventSource delivers insert events for a filter until the returned cleanup runs.
type EventSource interface {
	Subscribe(ctx context.Context, filter realtime.Filter) (<-chan realtime.InsertEvent, func())
}

type Config struct {
	Notes    NoteReader
	Events   EventSource
	ViewerID string
	Scope    Scope
	PageSize int
	Logger   *zap.Logger
	// OnError receives live-merge failures that left the held list untouched.
	OnError func(error)
}

// Synchronizer holds the notes of one scope for one viewer. Live arrivals and reloads are applied
// by a single merge goroutine.
type Synchronizer struct {
	notes    NoteReader
	events   EventSource
	viewerID string
	scope    Scope
	pageSize int
	logger   *zap.Logger
	onError  func(error)

	mu          sync.Mutex
	items       []notes.NoteView
	index       map[string]struct{}
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()

	reloads chan reloadRequest
	updates chan notes.NoteView
	done    chan struct{}
}

type reloadRequest struct {
	ctx   context.Context
	reply chan error
}

func New(cfg Config) (*Synchronizer, error) {
	if cfg.Notes == nil {
		return nil, apperr.NewServiceError(opNew, "missing_notes", errMissingNotes)
	}
	if cfg.Events == nil {
		return nil, apperr.NewServiceError(opNew, "missing_events", errMissingEvents)
	}
	if err := cfg.Scope.Validate(); err != nil {
		return nil, apperr.NewServiceError(opNew, "invalid_scope", err)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = notes.DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Synchronizer{
		notes:    cfg.Notes,
		events:   cfg.Events,
		viewerID: cfg.ViewerID,
		scope:    cfg.Scope,
		pageSize: pageSize,
		logger:   logger.With(zap.String("scope", string(cfg.Scope.Kind)), zap.String("viewer_id", cfg.ViewerID)),
		onError:  onError,
		index:    make(map[string]struct{}),
		reloads:  make(chan reloadRequest),
		updates:  make(chan notes.NoteView, updatesBufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start subscribes to the scope's insert events, performs the initial bulk load and launches the
// merge goroutine. The subscription is opened before the load so no insert falls between them.
// A Close during the load cancels it and Start reports the feed as closed.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.NewServiceError(opStart, "closed", apperr.Validation(errClosed))
	}
	if s.started {
		s.mu.Unlock()
		return apperr.NewServiceError(opStart, "already_started", apperr.Validation(errAlreadyStarted))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	stream, unsubscribe := s.events.Subscribe(runCtx, s.scope.filter())
	s.started = true
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	loadCtx, stopLoad := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(runCtx, stopLoad)
	err := s.load(loadCtx)
	stopOnClose()
	stopLoad()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(s.done)
		return apperr.NewServiceError(opStart, "closed", apperr.Validation(errClosed))
	}
	if err != nil {
		s.started = false
		s.cancel = nil
		s.unsubscribe = nil
		s.mu.Unlock()
		unsubscribe()
		cancel()
		s.logger.Warn("feed initial load failed", zap.Error(err))
		return err
	}
	s.mu.Unlock()

	go s.run(runCtx, stream)
	return nil
}

// Snapshot returns a copy of the held notes in feed order.
func (s *Synchronizer) Snapshot() []notes.NoteView {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]notes.NoteView, len(s.items))
	copy(snapshot, s.items)
	return snapshot
}

// Updates yields each note accepted from the live stream. The merge goroutine waits for the
// consumer, so callers must drain it. The channel is closed by Close.
func (s *Synchronizer) Updates() <-chan notes.NoteView {
	return s.updates
}

// Reload replaces the held list with a fresh bulk load. The result is discarded when ctx ends
// first or the feed closes; a failed reload leaves the held list unchanged.
func (s *Synchronizer) Reload(ctx context.Context) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return apperr.NewServiceError(opReload, "closed", apperr.Validation(errClosed))
	}
	if !started {
		return apperr.NewServiceError(opReload, "not_started", apperr.Validation(errNotStarted))
	}

	request := reloadRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.reloads <- request:
	case <-s.done:
		return apperr.NewServiceError(opReload, "closed", apperr.Validation(errClosed))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-request.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the subscription, waits for the merge goroutine and closes Updates.
// No update is delivered after Close returns.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}
	close(s.updates)
}

func (s *Synchronizer) run(ctx context.Context, stream <-chan realtime.InsertEvent) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-s.reloads:
			request.reply <- s.load(request.ctx)
		case event, ok := <-stream:
			if !ok {
				return
			}
			s.merge(ctx, event)
		}
	}
}

// load fetches the newest page of the scope and replaces the held list.
func (s *Synchronizer) load(ctx context.Context) error {
	views, err := s.notes.Query(ctx, s.viewerID, s.scope.query(s.pageSize))
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.scope.Ascending() {
		for left, right := 0, len(views)-1; left < right; left, right = left+1, right-1 {
			views[left], views[right] = views[right], views[left]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.items = views
	s.index = make(map[string]struct{}, len(views))
	for _, view := range views {
		s.index[view.ID] = struct{}{}
	}
	return nil
}

func (s *Synchronizer) merge(ctx context.Context, event realtime.InsertEvent) {
	noteID := event.Row["id"]
	if noteID == "" || s.holds(noteID) {
		return
	}

	view, err := s.notes.Get(ctx, s.viewerID, noteID)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindAccessDenied:
			s.logger.Debug("feed dropped invisible insert", zap.String("note_id", noteID))
		case apperr.KindCanceled:
		default:
			s.logger.Warn("feed re-fetch failed", zap.String("note_id", noteID), zap.Error(err))
			s.onError(err)
		}
		return
	}
	if !s.scope.matches(view.Note) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.index[view.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.insertLocked(view)
	s.mu.Unlock()

	select {
	case s.updates <- view:
	case <-ctx.Done():
	}
}

func (s *Synchronizer) holds(noteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.index[noteID]
	return exists
}

func (s *Synchronizer) insertLocked(view notes.NoteView) {
	s.index[view.ID] = struct{}{}
	// The global feed prepends; scoped feeds keep their declared order.
	var position int
	switch {
	case s.scope.Kind == ScopeGlobal:
	case s.scope.Ascending():
		position = sort.Search(len(s.items), func(i int) bool {
			return before(view.Note, s.items[i].Note)
		})
	default:
		position = sort.Search(len(s.items), func(i int) bool {
			return before(s.items[i].Note, view.Note)
		})
	}
	s.items = append(s.items, notes.NoteView{})
	copy(s.items[position+1:], s.items[position:])
	s.items[position] = view
}

// before orders notes by creation time with id as tie-break.
func before(a, b notes.Note) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
