// Package handlers contains the HTTP handlers of the control-plane API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StatusForCode maps an error token to its HTTP status.
func StatusForCode(code models.ErrorCode) int {
	switch code {
	case models.CodeUnauthorized:
		return http.StatusUnauthorized
	case models.CodeForbidden:
		return http.StatusForbidden
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeInvalidTransition:
		return http.StatusConflict
	case models.CodeInvalidRequest, models.CodeDryRunExecutionBlocked,
		models.CodeMissingDeviceID, models.CodeMissingServiceAuth, models.CodeNotPaired,
		models.CodeOutsideWatchedPaths, models.CodeInsideProtectedPath,
		models.CodeTargetOutsideAllowedRoots, models.CodeTargetInsideProtectedPath,
		models.CodePolicyDenied, models.CodeNoEnabledWatchedPaths:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// RespondError writes err as an ErrorResponse. Errors without a token are
// logged and reported as a generic internal error.
func RespondError(c *gin.Context, log zerolog.Logger, err error, action string) {
	var coded *models.CodedError
	if errors.As(err, &coded) {
		status := StatusForCode(coded.Code)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(action)
		}
		c.JSON(status, models.ErrorResponse{Error: coded.Code, Message: coded.Message})
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(action)
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.CodeInternal, Message: "internal error"})
}

// BindJSON decodes the request body into obj, answering 400 on failure.
func BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   models.CodeInvalidRequest,
			Message: "request body validation failed: " + err.Error(),
		})
		return false
	}
	return true
}
