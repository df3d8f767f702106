package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// CodeRateLimited is returned when a client exceeds its request budget.
const CodeRateLimited models.ErrorCode = "rate_limited"

// NewRateLimiter creates a Gin middleware that allows requests per period
// for each client IP.
func NewRateLimiter(requests int64, period time.Duration) (gin.HandlerFunc, error) {
	if requests < 1 {
		return nil, errors.New("rate limit requests must be positive")
	}
	if period <= 0 {
		return nil, errors.New("rate limit period must be positive")
	}

	instance := limiter.New(memory.NewStore(), limiter.Rate{
		Period: period,
		Limit:  requests,
	})

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error:   CodeRateLimited,
				Message: "too many requests",
			})
		}),
	), nil
}
