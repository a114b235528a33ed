package server

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lessonbill/lessonbill/internal/actorcontext"
	"go.uber.org/zap"
)

// Actor headers are trusted: authentication happens upstream of this service
// and the gateway injects the resolved identity.
const (
	HeaderActorRole = "X-Actor-Role"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"

	HeaderIdempotencyKey = "Idempotency-Key"
)

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// ActorContext resolves the acting party from the gateway headers and stores
// it on the request context for service-side scoping and audit attribution.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := actorcontext.ParseRole(c.GetHeader(HeaderActorRole))

		actor := actorcontext.Actor{
			Role: role,
			Name: c.GetHeader(HeaderActorName),
		}
		if raw := c.GetHeader(HeaderActorID); raw != "" {
			if id, err := snowflake.ParseString(raw); err == nil {
				actor.ID = id
			}
		}

		ctx := actorcontext.WithActor(c.Request.Context(), actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if actorcontext.IsAdmin(c.Request.Context()) {
		return true
	}
	AbortWithError(c, ErrForbidden)
	return false
}
