package middleware

import (
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
)

// DefaultMaxBodyBytes bounds request bodies. Result uploads carry a whole
// run snapshot so the limit is generous.
const DefaultMaxBodyBytes int64 = 8 << 20

// BodyLimit rejects requests whose declared length exceeds maxBytes with 413
// and caps the body reader for the rest.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Error:   models.CodeInvalidRequest,
				Message: "request body too large",
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
