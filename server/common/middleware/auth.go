package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"workshop_rt/server/common/transport/httpresp"
)

const (
	ctxAccessToken = "auth_access_token"
	ctxActorID     = "auth_actor_id"
	ctxWorkshopID  = "auth_workshop_id"
	ctxRole        = "auth_role"
)

type tokenAuth interface {
	ParseAuthContext(token string) (actorID, workshopID, role string, err error)
}

// AuthRequired accepts a bearer header, or an access_token query parameter
// for WebSocket upgrades where browsers cannot set headers.
func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		actorID, workshopID, role, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(ctxAccessToken, token)
		c.Set(ctxActorID, actorID)
		c.Set(ctxWorkshopID, workshopID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c.GetHeader("Upgrade") != "" {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[strings.TrimSpace(role)] = struct{}{}
	}
	return func(c *gin.Context) {
		role := Role(c)
		if role == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
			return
		}
		if _, ok := allowed[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrInsufficientRole))
			return
		}
		c.Next()
	}
}

func ActorID(c *gin.Context) string {
	return stringFromContext(c, ctxActorID)
}

func WorkshopID(c *gin.Context) string {
	return stringFromContext(c, ctxWorkshopID)
}

func Role(c *gin.Context) string {
	return stringFromContext(c, ctxRole)
}

func stringFromContext(c *gin.Context, key string) string {
	raw, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := raw.(string)
	return strings.TrimSpace(s)
}
