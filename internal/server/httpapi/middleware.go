package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
)

// ActorResolver turns a bearer token into the calling actor.
type ActorResolver interface {
	Actor(ctx context.Context, token string) (auth.Actor, error)
}

type AuthMiddleware struct {
	log      logging.Logger
	resolver ActorResolver
}

func NewAuthMiddleware(log logging.Logger, resolver ActorResolver) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "auth"), resolver: resolver}
}

// RequireAuth resolves the Authorization bearer token and stores the actor
// in the request context.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{
				Error: APIError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}
		actor, err := am.resolver.Actor(c.Request.Context(), token)
		if err != nil {
			am.log.Debug(c.Request.Context(), "token rejected", "error", err)
			RespondError(c, am.log, err)
			return
		}
		c.Request = c.Request.WithContext(auth.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// actorOf returns the authenticated actor; routes behind RequireAuth always
// have one.
func actorOf(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c.Request.Context())
	return a
}

// RequestLogger logs every request at a level derived from its status.
func RequestLogger(log logging.Logger) gin.HandlerFunc {
	log = log.With("module", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if a, ok := auth.ActorFrom(c.Request.Context()); ok {
			fields = append(fields, "user_id", a.ID)
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.Error(ctx, "HTTP request", fields...)
		case status >= 400:
			log.Warn(ctx, "HTTP request", fields...)
		default:
			log.Info(ctx, "HTTP request", fields...)
		}
	}
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
