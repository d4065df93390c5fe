package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

type errorBody struct {
	Error          string `json:"error"`
	Class          string `json:"class"`
	DistanceMeters *int64 `json:"distance_meters,omitempty"`
	RadiusMeters   *int64 `json:"radius_meters,omitempty"`
}

// statusForError сопоставляет класс ошибки с HTTP-статусом.
func statusForError(err error) int {
	switch domain.ErrorClass(err) {
	case "validation":
		return http.StatusBadRequest
	case "authorization":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "configuration", "geofence_rejected":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	body := errorBody{Error: err.Error(), Class: domain.ErrorClass(err)}

	var geoErr *domain.GeofenceError
	if errors.As(err, &geoErr) {
		distance := geoErr.RoundedDistance()
		radius := int64(geoErr.RadiusMeters)
		body.DistanceMeters = &distance
		body.RadiusMeters = &radius
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed with internal error")
		body.Error = "internal error"
	}

	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Class: "validation"})
}
