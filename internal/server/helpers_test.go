package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/auth"
	"github.com/MarcoPoloResearchLab/someday/internal/database"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/MarcoPoloResearchLab/someday/internal/testutil"
	"github.com/MarcoPoloResearchLab/someday/internal/threads"
	"github.com/MarcoPoloResearchLab/someday/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-secret"
	testCookieName    = "app_session"
)

type testServer struct {
	handler  http.Handler
	hub      *realtime.Hub
	db       *gorm.DB
	profiles *profiles.Service
	tracker  *auth.SessionTracker
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDatabase(t)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := testutil.StepClock(time.Now().UTC().Add(-time.Hour), time.Second)
	hub := realtime.NewHub()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	tracker := auth.NewSessionTracker(nil, nil)

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	profilesService, err := profiles.NewService(profiles.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build profiles service: %v", err)
	}
	gate, err := profiles.NewGate(profilesService, nil)
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: notes.IDProviderFunc(testutil.SequenceIDs("n")),
		Profiles:   profilesService,
		Publisher:  hub,
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	resolver, err := threads.NewResolver(notesService, nil)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	follows, err := relations.NewService(relations.ServiceConfig{
		Database: db, Kind: relations.KindFollow, Clock: clock, Publisher: hub, Profiles: profilesService,
	})
	if err != nil {
		t.Fatalf("failed to build follows: %v", err)
	}
	cheers, err := relations.NewService(relations.ServiceConfig{
		Database: db, Kind: relations.KindCheer, Clock: clock, Publisher: hub,
		Notes: notesService, Profiles: profilesService, AllowSelfCheer: true,
	})
	if err != nil {
		t.Fatalf("failed to build cheers: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		SessionTracker:   tracker,
		Users:            usersService,
		Profiles:         profilesService,
		Onboarding:       gate,
		Notes:            notesService,
		Threads:          resolver,
		Follows:          follows,
		Cheers:           cheers,
		Events:           hub,
		HeartbeatPeriod:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, hub: hub, db: db, profiles: profilesService, tracker: tracker}
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "session-" + userID,
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+sessionToken(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func (s testServer) createNote(t *testing.T, userID string, payload notePayload) notes.NoteView {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/notes", userID, payload)
	expectStatus(t, recorder, http.StatusCreated)
	var view notes.NoteView
	decodeJSON(t, recorder, &view)
	return view
}
