package notes

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"github.com/MarcoPoloResearchLab/someday/internal/testutil"
	"gorm.io/gorm"
)

type followRow struct {
	FollowerID string    `gorm:"column:follower_id;primaryKey"`
	FollowedID string    `gorm:"column:followed_id;primaryKey"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (followRow) TableName() string { return realtime.TableFollows }

type cheerRow struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	NoteID    string    `gorm:"column:note_id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (cheerRow) TableName() string { return realtime.TableCheers }

type testEnv struct {
	service  *Service
	profiles *profiles.Service
	hub      *realtime.Hub
	db       *gorm.DB
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db := testutil.OpenDatabase(t, &profiles.Profile{}, &Note{}, &Comment{}, &followRow{}, &cheerRow{})
	clock := testutil.StepClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), time.Second)
	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create profile service: %v", err)
	}
	hub := realtime.NewHub()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: IDProviderFunc(testutil.SequenceIDs("note")),
		Profiles:   profileService,
		Publisher:  hub,
	})
	if err != nil {
		t.Fatalf("failed to create notes service: %v", err)
	}
	return testEnv{service: service, profiles: profileService, hub: hub, db: db}
}

func mustCreate(t *testing.T, service *Service, authorID string, draft Draft) NoteView {
	t.Helper()
	if draft.Kind == "" {
		draft.Kind = string(KindDid)
	}
	view, err := service.Create(context.Background(), authorID, draft)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return view
}

func mustFollow(t *testing.T, db *gorm.DB, followerID, followedID string) {
	t.Helper()
	if err := db.Create(&followRow{FollowerID: followerID, FollowedID: followedID, CreatedAt: time.Now()}).Error; err != nil {
		t.Fatalf("follow failed: %v", err)
	}
}

func noteIDs(views []NoteView) []string {
	ids := make([]string, 0, len(views))
	for _, view := range views {
		ids = append(ids, view.ID)
	}
	return ids
}
