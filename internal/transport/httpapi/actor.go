package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
	HeaderActorRole = "X-Actor-Role"

	actorKey = "actor"
)

// actorMiddleware читает актора из заголовков и кладёт его в контекст запроса.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error: "missing " + HeaderActorID + " header",
				Class: "authorization",
			})
			return
		}
		role, err := domain.ParseRole(c.GetHeader(HeaderActorRole))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error: err.Error(),
				Class: "authorization",
			})
			return
		}

		c.Set(actorKey, domain.Actor{
			ID:   id,
			Name: strings.TrimSpace(c.GetHeader(HeaderActorName)),
			Role: role,
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	actor, _ := c.MustGet(actorKey).(domain.Actor)
	return actor
}
