package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/feed"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventSnapshot  = "snapshot"
	streamEventNote      = "note"
	streamEventComment   = "comment"
	streamEventHeartbeat = "heartbeat"

	defaultHeartbeatPeriod = 25 * time.Second
)

type feedSnapshotPayload struct {
	Scope feed.ScopeKind   `json:"scope"`
	Notes []notes.NoteView `json:"notes"`
}

type commentSnapshotPayload struct {
	NoteID   string              `json:"note_id"`
	Comments []notes.CommentView `json:"comments"`
}

type heartbeatPayload struct {
	At time.Time `json:"at"`
}

type feedStreamQuery struct {
	Scope           string `form:"scope"`
	AuthorID        string `form:"author_id"`
	RootID          string `form:"root_id"`
	IncludeArchived bool   `form:"include_archived"`
}

// handleFeedStream holds a feed synchronizer for the request and relays its snapshot and live
// arrivals as server-sent events.
func (h *httpHandler) handleFeedStream(c *gin.Context) {
	ctx := c.Request.Context()
	viewerID := c.GetString(userIDContextKey)

	var request feedStreamQuery
	if err := c.ShouldBindQuery(&request); err != nil {
		writeBadRequest(c, "invalid_query")
		return
	}
	kind, err := feed.ParseScopeKind(request.Scope)
	if err != nil {
		writeBadRequest(c, "invalid_scope")
		return
	}
	scope := feed.Scope{
		Kind:            kind,
		AuthorID:        request.AuthorID,
		RootID:          request.RootID,
		IncludeArchived: request.IncludeArchived,
	}
	if scope.Kind == feed.ScopeThread && scope.RootID != "" {
		rootID, err := h.threads.ResolveRoot(ctx, viewerID, scope.RootID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		scope.RootID = rootID
	}

	synchronizer, err := feed.New(feed.Config{
		Notes:    h.notes,
		Events:   h.events,
		ViewerID: viewerID,
		Scope:    scope,
		PageSize: h.feedPageSize,
		Logger:   h.logger,
		OnError: func(err error) {
			h.logger.Warn("feed merge failed", zap.String("viewer_id", viewerID), zap.Error(err))
		},
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if err := synchronizer.Start(ctx); err != nil {
		writeServiceError(c, err)
		return
	}
	defer synchronizer.Close()

	openEventStream(c)
	sendEvent(c, streamEventSnapshot, feedSnapshotPayload{Scope: scope.Kind, Notes: synchronizer.Snapshot()})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	updates := synchronizer.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-updates:
			if !ok {
				return
			}
			sendEvent(c, streamEventNote, view)
		case at := <-heartbeat.C:
			sendEvent(c, streamEventHeartbeat, heartbeatPayload{At: at.UTC()})
		}
	}
}

// handleCommentStream relays the comments of one note. The subscription opens before the snapshot
// is read and comments already in the snapshot are not repeated.
func (h *httpHandler) handleCommentStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	viewerID := c.GetString(userIDContextKey)
	noteID := c.Param("id")

	stream, unsubscribe := h.events.Subscribe(ctx, realtime.Filter{
		Table:  realtime.TableComments,
		Column: "note_id",
		Value:  noteID,
	})
	defer unsubscribe()

	comments, err := h.notes.ListComments(ctx, viewerID, noteID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	seen := make(map[string]struct{}, len(comments))
	for _, comment := range comments {
		seen[comment.ID] = struct{}{}
	}

	openEventStream(c)
	sendEvent(c, streamEventSnapshot, commentSnapshotPayload{NoteID: noteID, Comments: comments})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			commentID := event.Row["id"]
			if _, duplicate := seen[commentID]; duplicate || commentID == "" {
				continue
			}
			comment, err := h.notes.GetComment(ctx, viewerID, commentID)
			if err != nil {
				switch apperr.KindOf(err) {
				case apperr.KindNotFound, apperr.KindAccessDenied, apperr.KindCanceled:
				default:
					h.logger.Warn("comment refetch failed", zap.String("comment_id", commentID), zap.Error(err))
				}
				continue
			}
			seen[comment.ID] = struct{}{}
			sendEvent(c, streamEventComment, comment)
		case at := <-heartbeat.C:
			sendEvent(c, streamEventHeartbeat, heartbeatPayload{At: at.UTC()})
		}
	}
}

func openEventStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

func sendEvent(c *gin.Context, name string, payload interface{}) {
	c.SSEvent(name, payload)
	c.Writer.Flush()
}
