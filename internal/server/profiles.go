package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/gin-gonic/gin"
)

type profilePayload struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle,omitempty"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio"`
	Location  string    `json:"location"`
	AvatarURL string    `json:"avatar_url"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

func newProfilePayload(profile profiles.Profile) profilePayload {
	return profilePayload{
		ID:        profile.ID,
		Handle:    profile.HandleValue(),
		Name:      profile.Name,
		Bio:       profile.Bio,
		Location:  profile.Location,
		AvatarURL: profile.AvatarURL,
		Complete:  profile.Complete(),
		CreatedAt: profile.CreatedAt,
	}
}

type profileResponsePayload struct {
	Profile    profilePayload `json:"profile"`
	Followers  int64          `json:"followers"`
	Following  int64          `json:"following"`
	FollowedBy bool           `json:"followed_by_viewer"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	ctx := c.Request.Context()
	viewerID := c.GetString(userIDContextKey)
	profileID := c.Param("id")
	if profileID == "me" {
		profileID = viewerID
	}

	profile, err := h.profiles.Get(ctx, profileID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	followers, err := h.follows.Count(ctx, profile.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	following, err := h.follows.CountByActor(ctx, profile.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response := profileResponsePayload{
		Profile:   newProfilePayload(profile),
		Followers: followers,
		Following: following,
	}
	if profile.ID != viewerID {
		state, err := h.follows.State(ctx, viewerID, profile.ID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		response.FollowedBy = state == relations.StateOn
	}
	c.JSON(http.StatusOK, response)
}

type profileUpdatePayload struct {
	Handle    *string `json:"handle"`
	Name      *string `json:"name"`
	Bio       *string `json:"bio"`
	Location  *string `json:"location"`
	AvatarURL *string `json:"avatar_url"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, "invalid_request")
		return
	}
	userID := c.GetString(userIDContextKey)
	profile, err := h.profiles.Update(c.Request.Context(), userID, userID, profiles.Update{
		Handle:    request.Handle,
		Name:      request.Name,
		Bio:       request.Bio,
		Location:  request.Location,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

func (h *httpHandler) handleToggleFollow(c *gin.Context) {
	h.toggleRelation(c, h.follows)
}

func (h *httpHandler) handleToggleCheer(c *gin.Context) {
	h.toggleRelation(c, h.cheers)
}

type toggleResponsePayload struct {
	relations.ToggleResult
	Count int64 `json:"count"`
}

func (h *httpHandler) toggleRelation(c *gin.Context, service *relations.Service) {
	ctx := c.Request.Context()
	result, err := service.Toggle(ctx, c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	count, err := service.Count(ctx, result.TargetID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toggleResponsePayload{ToggleResult: result, Count: count})
}
