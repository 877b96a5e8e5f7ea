package feed

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
)

var baseTime = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeReader struct {
	mu       sync.Mutex
	notes    map[string]notes.NoteView
	getErrs  map[string]error
	page     []notes.NoteView
	queryErr error
	queries  []notes.Query
}

func newFakeReader() *fakeReader {
	return &fakeReader{notes: make(map[string]notes.NoteView), getErrs: make(map[string]error)}
}

func (f *fakeReader) Get(_ context.Context, _ string, noteID string) (notes.NoteView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getErrs[noteID]; ok {
		return notes.NoteView{}, err
	}
	view, ok := f.notes[noteID]
	if !ok {
		return notes.NoteView{}, apperr.NewServiceError("notes.get", "not_found", apperr.ErrNotFound)
	}
	return view, nil
}

func (f *fakeReader) Query(_ context.Context, _ string, query notes.Query) ([]notes.NoteView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	page := make([]notes.NoteView, len(f.page))
	copy(page, f.page)
	return page, nil
}

func (f *fakeReader) put(views ...notes.NoteView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, view := range views {
		f.notes[view.ID] = view
	}
}

func (f *fakeReader) setPage(views ...notes.NoteView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = views
}

func (f *fakeReader) fail(noteID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrs[noteID] = err
}

func noteAt(id string, offset time.Duration, threadID string) notes.NoteView {
	return notes.NoteView{Note: notes.Note{
		ID:        id,
		UserID:    "author",
		Kind:      notes.KindDid,
		Body:      id,
		Privacy:   notes.PrivacyPublic,
		ThreadID:  threadID,
		CreatedAt: baseTime.Add(offset),
	}}
}

func insertEvent(view notes.NoteView) realtime.InsertEvent {
	return realtime.InsertEvent{
		Table: realtime.TableNotes,
		Row: map[string]string{
			"id":        view.ID,
			"user_id":   view.UserID,
			"thread_id": view.ThreadID,
		},
	}
}

func ids(views []notes.NoteView) []string {
	result := make([]string, 0, len(views))
	for _, view := range views {
		result = append(result, view.ID)
	}
	return result
}

func startFeed(t *testing.T, reader NoteReader, hub *realtime.Hub, scope Scope, onError func(error)) *Synchronizer {
	t.Helper()
	synchronizer, err := New(Config{
		Notes:    reader,
		Events:   hub,
		ViewerID: "viewer",
		Scope:    scope,
		PageSize: 10,
		OnError:  onError,
	})
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	if err := synchronizer.Start(context.Background()); err != nil {
		t.Fatalf("failed to start feed: %v", err)
	}
	t.Cleanup(synchronizer.Close)
	return synchronizer
}

func awaitUpdate(t *testing.T, synchronizer *Synchronizer) notes.NoteView {
	t.Helper()
	select {
	case view, ok := <-synchronizer.Updates():
		if !ok {
			t.Fatalf("updates closed unexpectedly")
		}
		return view
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return notes.NoteView{}
}

func TestGlobalFeedPrependsLiveArrivals(t *testing.T) {
	reader := newFakeReader()
	older, newer := noteAt("n1", 0, ""), noteAt("n2", time.Minute, "")
	reader.setPage(newer, older)
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, nil)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n2", "n1"}) {
		t.Fatalf("unexpected initial snapshot %v", got)
	}
	if len(reader.queries) != 1 || !reader.queries[0].RootsOnly || reader.queries[0].Limit != 10 {
		t.Fatalf("unexpected initial query %+v", reader.queries)
	}

	arrival := noteAt("n3", 2*time.Minute, "")
	reader.put(arrival)
	hub.Publish(insertEvent(arrival))

	if view := awaitUpdate(t, synchronizer); view.ID != "n3" {
		t.Fatalf("unexpected update %q", view.ID)
	}
	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n3", "n2", "n1"}) {
		t.Fatalf("expected arrival to be prepended, got %v", got)
	}
}

func TestDuplicateInsertLeavesSnapshotUnchanged(t *testing.T) {
	reader := newFakeReader()
	existing := noteAt("n1", 0, "")
	reader.setPage(existing)
	reader.put(existing)
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, nil)

	hub.Publish(insertEvent(existing))
	marker := noteAt("n2", time.Minute, "")
	reader.put(marker)
	hub.Publish(insertEvent(marker))
	if view := awaitUpdate(t, synchronizer); view.ID != "n2" {
		t.Fatalf("duplicate must not produce an update, got %q", view.ID)
	}

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n2", "n1"}) {
		t.Fatalf("unexpected snapshot %v", got)
	}
}

func TestInvisibleInsertIsDroppedSilently(t *testing.T) {
	reader := newFakeReader()
	reader.setPage(noteAt("n1", 0, ""))
	reader.fail("hidden", apperr.NewServiceError("notes.get", "access_denied", apperr.ErrAccessDenied))
	hub := realtime.NewHub()
	var reported []error
	var mu sync.Mutex
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	hub.Publish(insertEvent(noteAt("hidden", time.Minute, "")))
	hub.Publish(insertEvent(noteAt("gone", time.Minute, "")))
	marker := noteAt("n2", 2*time.Minute, "")
	reader.put(marker)
	hub.Publish(insertEvent(marker))
	awaitUpdate(t, synchronizer)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n2", "n1"}) {
		t.Fatalf("hidden notes must not be merged, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 0 {
		t.Fatalf("invisible inserts must not be reported, got %v", reported)
	}
}

func TestTransientRefetchIsReportedAndStateKept(t *testing.T) {
	reader := newFakeReader()
	reader.setPage(noteAt("n1", 0, ""))
	reader.fail("flaky", apperr.NewServiceError("notes.get", "select_failed", errors.New("connection reset")))
	hub := realtime.NewHub()
	reported := make(chan error, 1)
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, func(err error) { reported <- err })

	hub.Publish(insertEvent(noteAt("flaky", time.Minute, "")))
	select {
	case err := <-reported:
		if !errors.Is(err, apperr.ErrTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected transient failure to be reported")
	}
	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n1"}) {
		t.Fatalf("snapshot must be unchanged, got %v", got)
	}
}

func TestThreadFeedInsertsInChronologicalPosition(t *testing.T) {
	reader := newFakeReader()
	first, third := noteAt("r1", time.Minute, "root"), noteAt("r3", 3*time.Minute, "root")
	reader.setPage(third, first)
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeThread, RootID: "root"}, nil)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"r1", "r3"}) {
		t.Fatalf("thread feed must be held oldest first, got %v", got)
	}
	query := reader.queries[0]
	if query.ThreadID != "root" || query.ExcludeID != "root" {
		t.Fatalf("unexpected thread query %+v", query)
	}

	second := noteAt("r2", 2*time.Minute, "root")
	reader.put(second)
	hub.Publish(insertEvent(second))
	awaitUpdate(t, synchronizer)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"r1", "r2", "r3"}) {
		t.Fatalf("expected chronological insert, got %v", got)
	}
}

func TestAuthorFeedInsertsInReverseChronologicalPosition(t *testing.T) {
	reader := newFakeReader()
	reader.setPage(noteAt("a3", 3*time.Minute, ""), noteAt("a1", time.Minute, ""))
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeAuthor, AuthorID: "author"}, nil)

	late := noteAt("a2", 2*time.Minute, "")
	reader.put(late)
	hub.Publish(insertEvent(late))
	awaitUpdate(t, synchronizer)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"a3", "a2", "a1"}) {
		t.Fatalf("expected ordered insert, got %v", got)
	}
}

func TestArchivedArrivalsAreSkippedByDefault(t *testing.T) {
	reader := newFakeReader()
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, nil)

	archived := noteAt("old", time.Minute, "")
	archived.Archived = true
	reader.put(archived)
	hub.Publish(insertEvent(archived))
	marker := noteAt("fresh", 2*time.Minute, "")
	reader.put(marker)
	hub.Publish(insertEvent(marker))
	awaitUpdate(t, synchronizer)

	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"fresh"}) {
		t.Fatalf("archived arrival must be skipped, got %v", got)
	}
}

func TestReloadReplacesHeldList(t *testing.T) {
	reader := newFakeReader()
	reader.setPage(noteAt("n1", 0, ""))
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, nil)

	reader.setPage(noteAt("n3", 2*time.Minute, ""), noteAt("n2", time.Minute, ""))
	if err := synchronizer.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n3", "n2"}) {
		t.Fatalf("unexpected snapshot after reload %v", got)
	}

	reader.mu.Lock()
	reader.queryErr = apperr.NewServiceError("notes.query", "query_failed", errors.New("down"))
	reader.mu.Unlock()
	if err := synchronizer.Reload(context.Background()); !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("expected transient reload failure, got %v", err)
	}
	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n3", "n2"}) {
		t.Fatalf("failed reload must keep prior state, got %v", got)
	}
}

func TestReloadWithCanceledContextIsIgnored(t *testing.T) {
	reader := newFakeReader()
	reader.setPage(noteAt("n1", 0, ""))
	hub := realtime.NewHub()
	synchronizer := startFeed(t, reader, hub, Scope{Kind: ScopeGlobal}, nil)

	reader.setPage(noteAt("n9", time.Hour, ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := synchronizer.Reload(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if got := ids(synchronizer.Snapshot()); !reflect.DeepEqual(got, []string{"n1"}) {
		t.Fatalf("late reload must not replace the list, got %v", got)
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	reader := newFakeReader()
	hub := realtime.NewHub()
	synchronizer, err := New(Config{Notes: reader, Events: hub, Scope: Scope{Kind: ScopeGlobal}})
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	if err := synchronizer.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if hub.SubscriberCount(realtime.TableNotes) != 1 {
		t.Fatalf("expected an active subscription")
	}

	synchronizer.Close()
	synchronizer.Close()

	if hub.SubscriberCount(realtime.TableNotes) != 0 {
		t.Fatalf("expected subscription to be released")
	}
	late := noteAt("late", time.Minute, "")
	reader.put(late)
	hub.Publish(insertEvent(late))
	if _, ok := <-synchronizer.Updates(); ok {
		t.Fatalf("expected updates to be closed")
	}
	if len(synchronizer.Snapshot()) != 0 {
		t.Fatalf("closed feed must not merge")
	}
	if err := synchronizer.Reload(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected reload on closed feed to fail, got %v", err)
	}
}

func TestStartFailureReleasesSubscription(t *testing.T) {
	reader := newFakeReader()
	reader.queryErr = apperr.NewServiceError("notes.query", "query_failed", errors.New("down"))
	hub := realtime.NewHub()
	synchronizer, err := New(Config{Notes: reader, Events: hub, Scope: Scope{Kind: ScopeGlobal}})
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	if err := synchronizer.Start(context.Background()); !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if hub.SubscriberCount(realtime.TableNotes) != 0 {
		t.Fatalf("failed start must release its subscription")
	}
	synchronizer.Close()
}

type gatedReader struct {
	*fakeReader
	entered    chan struct{}
	release    chan error
	ignoresCtx bool
}

func (g *gatedReader) Query(ctx context.Context, _ string, _ notes.Query) ([]notes.NoteView, error) {
	close(g.entered)
	if g.ignoresCtx {
		return nil, <-g.release
	}
	select {
	case err := <-g.release:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCloseDuringInitialLoadReturns(t *testing.T) {
	testCases := []struct {
		name       string
		ignoresCtx bool
	}{
		{name: "load honors cancellation"},
		{name: "load fails after close", ignoresCtx: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			reader := &gatedReader{
				fakeReader: newFakeReader(),
				entered:    make(chan struct{}),
				release:    make(chan error, 1),
				ignoresCtx: testCase.ignoresCtx,
			}
			hub := realtime.NewHub()
			synchronizer, err := New(Config{Notes: reader, Events: hub, Scope: Scope{Kind: ScopeGlobal}})
			if err != nil {
				t.Fatalf("failed to create feed: %v", err)
			}

			startErr := make(chan error, 1)
			go func() {
				startErr <- synchronizer.Start(context.Background())
			}()
			<-reader.entered

			closed := make(chan struct{})
			go func() {
				synchronizer.Close()
				close(closed)
			}()
			if testCase.ignoresCtx {
				deadline := time.Now().Add(time.Second)
				for hub.SubscriberCount(realtime.TableNotes) != 0 && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				reader.release <- errors.New("store unreachable")
			}

			select {
			case err := <-startErr:
				if !errors.Is(err, apperr.ErrValidation) {
					t.Fatalf("expected start to report a closed feed, got %v", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("start did not return after close")
			}
			select {
			case <-closed:
			case <-time.After(time.Second):
				t.Fatalf("close did not return after start failed")
			}
			if hub.SubscriberCount(realtime.TableNotes) != 0 {
				t.Fatalf("expected subscription to be released")
			}
			if _, ok := <-synchronizer.Updates(); ok {
				t.Fatalf("expected updates to be closed")
			}
		})
	}
}

func TestNewValidatesScope(t *testing.T) {
	reader := newFakeReader()
	hub := realtime.NewHub()
	testCases := []Scope{
		{Kind: ScopeAuthor},
		{Kind: ScopeThread},
		{Kind: "trending"},
	}
	for _, scope := range testCases {
		if _, err := New(Config{Notes: reader, Events: hub, Scope: scope}); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", scope, err)
		}
	}
}
