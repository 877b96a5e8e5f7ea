package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/gin-gonic/gin"
)

// statusClientClosedRequest is reported when the caller went away before the work finished.
const statusClientClosedRequest = 499

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAccessDenied:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict, apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// writeServiceError renders err as {"error": kind, "code": operation.reason}.
func writeServiceError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	payload := errorPayload{Error: string(kind)}
	var serviceErr *apperr.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}
	c.JSON(statusForKind(kind), payload)
}

func writeBadRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: string(apperr.KindValidation), Code: code})
}
