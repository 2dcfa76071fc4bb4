package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/gin-gonic/gin"
)

const CorrelationIdHeader = "X-Correlation-Id"

// SessionMiddleware tags every request with a correlation id, taken from the caller when supplied.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cid := strings.TrimSpace(c.Request.Header.Get(CorrelationIdHeader)); cid != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, cid)
		}
		ctx, cid := utils.EnsureCorrelationId(ctx)
		c.Header(CorrelationIdHeader, cid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
