// Package relations implements toggleable, history-free membership edges between a user and a target.
package relations

import (
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
)

// Kind selects the relation a Service manages.
type Kind string

const (
	KindFollow Kind = "follow"
	KindCheer  Kind = "cheer"
)

// State is the membership outcome of a toggle.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// Follow means the follower watches the followed user.
type Follow struct {
	FollowerID string    `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FollowedID string    `gorm:"column:followed_id;primaryKey;size:190;not null;index:idx_follows_followed"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (Follow) TableName() string {
	return realtime.TableFollows
}

// Cheer means the user endorsed the note.
type Cheer struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	NoteID    string    `gorm:"column:note_id;primaryKey;size:190;not null;index:idx_cheers_note"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Cheer) TableName() string {
	return realtime.TableCheers
}

// edgeSchema describes the table and endpoint columns of a relation kind.
type edgeSchema struct {
	table        string
	actorColumn  string
	targetColumn string
}

func schemaFor(kind Kind) (edgeSchema, bool) {
	switch kind {
	case KindFollow:
		return edgeSchema{table: realtime.TableFollows, actorColumn: "follower_id", targetColumn: "followed_id"}, true
	case KindCheer:
		return edgeSchema{table: realtime.TableCheers, actorColumn: "user_id", targetColumn: "note_id"}, true
	default:
		return edgeSchema{}, false
	}
}

func newEdge(kind Kind, actorID, targetID string, at time.Time) interface{} {
	if kind == KindFollow {
		return &Follow{FollowerID: actorID, FollowedID: targetID, CreatedAt: at}
	}
	return &Cheer{UserID: actorID, NoteID: targetID, CreatedAt: at}
}

func edgeModel(kind Kind) interface{} {
	if kind == KindFollow {
		return &Follow{}
	}
	return &Cheer{}
}
