package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/someday/internal/feed"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/MarcoPoloResearchLab/someday/internal/threads"
	"github.com/gin-gonic/gin"
)

type notePayload struct {
	Kind     string   `json:"kind"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags"`
	Privacy  string   `json:"privacy"`
	ThreadID string   `json:"thread_id"`
}

func (p notePayload) draft() notes.Draft {
	return notes.Draft{
		Kind:     p.Kind,
		Body:     p.Body,
		Tags:     p.Tags,
		Privacy:  p.Privacy,
		ThreadID: p.ThreadID,
	}
}

type noteEditPayload struct {
	Body *string   `json:"body"`
	Tags *[]string `json:"tags"`
}

type archivePayload struct {
	Archived *bool `json:"archived"`
}

type commentPayload struct {
	Body string `json:"body"`
}

type noteListResponsePayload struct {
	Notes []notes.NoteView `json:"notes"`
}

type noteDetailResponsePayload struct {
	Note    notes.NoteView `json:"note"`
	RootID  string         `json:"root_id"`
	Cheers  int64          `json:"cheers"`
	Cheered bool           `json:"cheered"`
}

type noteListQuery struct {
	Scope           string `form:"scope"`
	AuthorID        string `form:"author_id"`
	Limit           int    `form:"limit" binding:"omitempty,min=0"`
	IncludeArchived bool   `form:"include_archived"`
}

type threadQuery struct {
	IncludeArchived bool `form:"include_archived"`
}

type commentListResponsePayload struct {
	Comments []notes.CommentView `json:"comments"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	var request noteListQuery
	if err := c.ShouldBindQuery(&request); err != nil {
		writeBadRequest(c, "invalid_query")
		return
	}
	scopeKind, err := feed.ParseScopeKind(request.Scope)
	if err != nil || scopeKind == feed.ScopeThread {
		writeBadRequest(c, "invalid_scope")
		return
	}

	query := notes.Query{IncludeArchived: request.IncludeArchived, Limit: request.Limit}
	if scopeKind == feed.ScopeAuthor {
		query.AuthorID = request.AuthorID
		if query.AuthorID == "" {
			writeBadRequest(c, "missing_author_id")
			return
		}
	} else {
		query.RootsOnly = true
	}

	views, err := h.notes.Query(c.Request.Context(), c.GetString(userIDContextKey), query)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, noteListResponsePayload{Notes: views})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request notePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	view, err := h.notes.Create(c.Request.Context(), c.GetString(userIDContextKey), request.draft())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	ctx := c.Request.Context()
	viewerID := c.GetString(userIDContextKey)
	view, err := h.notes.Get(ctx, viewerID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	cheers, err := h.cheers.Count(ctx, view.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	state, err := h.cheers.State(ctx, viewerID, view.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, noteDetailResponsePayload{
		Note:    view,
		RootID:  view.RootID(),
		Cheers:  cheers,
		Cheered: state == relations.StateOn,
	})
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request noteEditPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	view, err := h.notes.Update(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), notes.Edit{
		Body: request.Body,
		Tags: request.Tags,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleArchiveNote(c *gin.Context) {
	var request archivePayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			writeBadRequest(c, "invalid_request")
			return
		}
	}
	archived := true
	if request.Archived != nil {
		archived = *request.Archived
	}
	view, err := h.notes.SetArchived(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), archived)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	if err := h.notes.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReply(c *gin.Context) {
	var request notePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	view, err := h.threads.Reply(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.draft())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// handleGetThread accepts any note id of the thread and answers with the whole thread.
func (h *httpHandler) handleGetThread(c *gin.Context) {
	var request threadQuery
	if err := c.ShouldBindQuery(&request); err != nil {
		writeBadRequest(c, "invalid_query")
		return
	}
	ctx := c.Request.Context()
	viewerID := c.GetString(userIDContextKey)
	rootID, err := h.threads.ResolveRoot(ctx, viewerID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	thread, err := h.threads.LoadThread(ctx, viewerID, rootID, threads.LoadOptions{IncludeArchived: request.IncludeArchived})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	comments, err := h.notes.ListComments(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, commentListResponsePayload{Comments: comments})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request commentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	view, err := h.notes.AddComment(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Body)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}
