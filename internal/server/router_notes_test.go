package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/MarcoPoloResearchLab/someday/internal/threads"
)

func TestCreateAndListGlobalNotes(t *testing.T) {
	server := newTestServer(t)
	first := server.createNote(t, "alice", notePayload{Kind: "did", Body: "ran 5k", Tags: []string{"Running"}})
	second := server.createNote(t, "bob", notePayload{Kind: "want", Body: "learn piano"})
	server.createNote(t, "bob", notePayload{Kind: "doing", Body: "secret", Privacy: "private"})

	if first.Author.ID != "alice" || first.Kind != notes.KindDid {
		t.Fatalf("unexpected created note %+v", first)
	}

	recorder := server.do(t, http.MethodGet, "/notes?scope=global", "alice", nil)
	expectStatus(t, recorder, http.StatusOK)
	var response noteListResponsePayload
	decodeJSON(t, recorder, &response)
	if len(response.Notes) != 2 {
		t.Fatalf("expected private note to be excluded, got %d notes", len(response.Notes))
	}
	if response.Notes[0].ID != second.ID || response.Notes[1].ID != first.ID {
		t.Fatalf("expected newest first, got %s then %s", response.Notes[0].ID, response.Notes[1].ID)
	}
}

func TestCreateNoteValidationError(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/notes", "alice", notePayload{Kind: "maybe", Body: "hi"})
	expectStatus(t, recorder, http.StatusBadRequest)
	var payload errorPayload
	decodeJSON(t, recorder, &payload)
	if payload.Error != "validation_failed" || payload.Code == "" {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}

func TestHiddenNoteIsForbiddenAndMissingNoteIsNotFound(t *testing.T) {
	server := newTestServer(t)
	hidden := server.createNote(t, "alice", notePayload{Kind: "did", Body: "diary", Privacy: "private"})

	expectStatus(t, server.do(t, http.MethodGet, "/notes/"+hidden.ID, "bob", nil), http.StatusForbidden)
	expectStatus(t, server.do(t, http.MethodGet, "/notes/"+hidden.ID, "alice", nil), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodGet, "/notes/missing", "alice", nil), http.StatusNotFound)
}

func TestRepliesFlattenIntoTheRootThread(t *testing.T) {
	server := newTestServer(t)
	root := server.createNote(t, "alice", notePayload{Kind: "did", Body: "finished a marathon"})

	recorder := server.do(t, http.MethodPost, "/notes/"+root.ID+"/replies", "bob", notePayload{Kind: "did", Body: "congrats"})
	expectStatus(t, recorder, http.StatusCreated)
	var reply notes.NoteView
	decodeJSON(t, recorder, &reply)

	recorder = server.do(t, http.MethodPost, "/notes/"+reply.ID+"/replies", "carol", notePayload{Kind: "doing", Body: "same"})
	expectStatus(t, recorder, http.StatusCreated)
	var nested notes.NoteView
	decodeJSON(t, recorder, &nested)
	if nested.ThreadID != root.ID {
		t.Fatalf("expected reply to a reply to join the root thread, got %q", nested.ThreadID)
	}

	recorder = server.do(t, http.MethodGet, "/threads/"+nested.ID, "alice", nil)
	expectStatus(t, recorder, http.StatusOK)
	var thread threads.Thread
	decodeJSON(t, recorder, &thread)
	if thread.Root.ID != root.ID || len(thread.Replies) != 2 {
		t.Fatalf("unexpected thread %+v", thread)
	}
	if thread.Replies[0].ID != reply.ID || thread.Replies[1].ID != nested.ID {
		t.Fatalf("expected replies oldest first")
	}

	recorder = server.do(t, http.MethodGet, "/notes/"+nested.ID, "alice", nil)
	expectStatus(t, recorder, http.StatusOK)
	var detail noteDetailResponsePayload
	decodeJSON(t, recorder, &detail)
	if detail.RootID != root.ID {
		t.Fatalf("expected root id %s, got %s", root.ID, detail.RootID)
	}
}

func TestCheerTogglesAndCounts(t *testing.T) {
	server := newTestServer(t)
	note := server.createNote(t, "alice", notePayload{Kind: "did", Body: "first pull-up"})

	recorder := server.do(t, http.MethodPost, "/notes/"+note.ID+"/cheer", "bob", nil)
	expectStatus(t, recorder, http.StatusOK)
	var toggled toggleResponsePayload
	decodeJSON(t, recorder, &toggled)
	if toggled.State != relations.StateOn || toggled.Count != 1 {
		t.Fatalf("expected cheer on with count 1, got %+v", toggled)
	}

	recorder = server.do(t, http.MethodGet, "/notes/"+note.ID, "bob", nil)
	expectStatus(t, recorder, http.StatusOK)
	var detail noteDetailResponsePayload
	decodeJSON(t, recorder, &detail)
	if !detail.Cheered || detail.Cheers != 1 {
		t.Fatalf("expected cheered note, got %+v", detail)
	}

	recorder = server.do(t, http.MethodPost, "/notes/"+note.ID+"/cheer", "bob", nil)
	expectStatus(t, recorder, http.StatusOK)
	decodeJSON(t, recorder, &toggled)
	if toggled.State != relations.StateOff || toggled.Count != 0 {
		t.Fatalf("expected cheer off with count 0, got %+v", toggled)
	}
}

func TestFollowToggleAndProfileCounts(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodGet, "/session", "alice", nil), http.StatusOK)

	recorder := server.do(t, http.MethodPost, "/profiles/alice/follow", "bob", nil)
	expectStatus(t, recorder, http.StatusOK)

	recorder = server.do(t, http.MethodGet, "/profiles/alice", "bob", nil)
	expectStatus(t, recorder, http.StatusOK)
	var profile profileResponsePayload
	decodeJSON(t, recorder, &profile)
	if profile.Followers != 1 || !profile.FollowedBy {
		t.Fatalf("expected bob to follow alice, got %+v", profile)
	}

	recorder = server.do(t, http.MethodGet, "/profiles/me", "bob", nil)
	expectStatus(t, recorder, http.StatusOK)
	decodeJSON(t, recorder, &profile)
	if profile.Following != 1 {
		t.Fatalf("expected bob to follow one profile, got %+v", profile)
	}

	expectStatus(t, server.do(t, http.MethodPost, "/profiles/bob/follow", "bob", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodPost, "/profiles/nobody/follow", "bob", nil), http.StatusNotFound)
}

func TestFollowersSeeFollowersOnlyNotes(t *testing.T) {
	server := newTestServer(t)
	note := server.createNote(t, "alice", notePayload{Kind: "doing", Body: "moving house", Privacy: "followers"})

	expectStatus(t, server.do(t, http.MethodGet, "/notes/"+note.ID, "bob", nil), http.StatusForbidden)
	expectStatus(t, server.do(t, http.MethodPost, "/profiles/alice/follow", "bob", nil), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodGet, "/notes/"+note.ID, "bob", nil), http.StatusOK)
}

func TestAuthorEditsArchivesAndDeletes(t *testing.T) {
	server := newTestServer(t)
	note := server.createNote(t, "alice", notePayload{Kind: "want", Body: "visit Lisbon"})

	body := "visit Porto"
	expectStatus(t, server.do(t, http.MethodPatch, "/notes/"+note.ID, "bob", noteEditPayload{Body: &body}), http.StatusForbidden)

	recorder := server.do(t, http.MethodPatch, "/notes/"+note.ID, "alice", noteEditPayload{Body: &body})
	expectStatus(t, recorder, http.StatusOK)
	var edited notes.NoteView
	decodeJSON(t, recorder, &edited)
	if edited.Body != body {
		t.Fatalf("expected edited body, got %q", edited.Body)
	}

	recorder = server.do(t, http.MethodPost, "/notes/"+note.ID+"/archive", "alice", nil)
	expectStatus(t, recorder, http.StatusOK)
	var archived notes.NoteView
	decodeJSON(t, recorder, &archived)
	if !archived.Archived {
		t.Fatalf("expected archived note")
	}

	recorder = server.do(t, http.MethodGet, "/notes?scope=author&author_id=alice", "alice", nil)
	expectStatus(t, recorder, http.StatusOK)
	var listing noteListResponsePayload
	decodeJSON(t, recorder, &listing)
	if len(listing.Notes) != 0 {
		t.Fatalf("expected archived note to be hidden by default")
	}
	recorder = server.do(t, http.MethodGet, "/notes?scope=author&author_id=alice&include_archived=true", "alice", nil)
	decodeJSON(t, recorder, &listing)
	if len(listing.Notes) != 1 {
		t.Fatalf("expected archived note when requested")
	}

	unarchive := false
	recorder = server.do(t, http.MethodPost, "/notes/"+note.ID+"/archive", "alice", archivePayload{Archived: &unarchive})
	expectStatus(t, recorder, http.StatusOK)

	expectStatus(t, server.do(t, http.MethodDelete, "/notes/"+note.ID, "alice", nil), http.StatusNoContent)
	expectStatus(t, server.do(t, http.MethodGet, "/notes/"+note.ID, "alice", nil), http.StatusNotFound)
}

func TestCommentsAreListedOldestFirst(t *testing.T) {
	server := newTestServer(t)
	note := server.createNote(t, "alice", notePayload{Kind: "did", Body: "baked bread"})

	expectStatus(t, server.do(t, http.MethodPost, "/notes/"+note.ID+"/comments", "bob", commentPayload{Body: "recipe?"}), http.StatusCreated)
	expectStatus(t, server.do(t, http.MethodPost, "/notes/"+note.ID+"/comments", "alice", commentPayload{Body: "soon"}), http.StatusCreated)
	expectStatus(t, server.do(t, http.MethodPost, "/notes/"+note.ID+"/comments", "bob", commentPayload{Body: "  "}), http.StatusBadRequest)

	recorder := server.do(t, http.MethodGet, "/notes/"+note.ID+"/comments", "carol", nil)
	expectStatus(t, recorder, http.StatusOK)
	var response commentListResponsePayload
	decodeJSON(t, recorder, &response)
	if len(response.Comments) != 2 || response.Comments[0].Body != "recipe?" || response.Comments[1].Author.ID != "alice" {
		t.Fatalf("unexpected comments %+v", response.Comments)
	}
}

func TestListNotesRejectsBadQueries(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?scope=thread", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?scope=author", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?limit=-3", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?include_archived=maybe", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?limit=ten", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/threads/n-1?include_archived=maybe", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/feed/stream?scope=global&include_archived=maybe", "alice", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodGet, "/notes?limit=0&include_archived=false", "alice", nil), http.StatusOK)
}
