package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

// CheckinInput: координаты, которые техник сообщает при прибытии.
type CheckinInput struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Checkin отмечает прибытие назначенного техника. Отметка принимается, если
// расстояние до места обслуживания не превышает радиус геозоны.
func (s *Service) Checkin(ctx context.Context, orderID string, tech domain.Actor, in CheckinInput) (domain.Order, error) {
	reported := domain.Location{Lat: in.Lat, Lng: in.Lng}
	address := strings.TrimSpace(in.Address)

	return s.apply(ctx, orderID, tech, transition{
		action:       domain.ActionCheckin,
		from:         []domain.OrderStatus{domain.OrderStatusAssigned},
		to:           domain.OrderStatusCheckedIn,
		noopOnTarget: true,
		patch: func(order domain.Order, at time.Time) (domain.Patch, error) {
			distance, err := s.geofence.Check(order.Location, reported)
			var outside *domain.GeofenceError
			if s.metrics != nil && (err == nil || errors.As(err, &outside)) {
				s.metrics.RecordCheckinDistance(distance)
			}
			if err != nil {
				return domain.Patch{}, err
			}

			checkin := domain.Checkin{
				At:             at,
				Time:           domain.FormatDisplayTime(at, s.display),
				Lat:            reported.Lat,
				Lng:            reported.Lng,
				Address:        address,
				TechnicianID:   tech.ID,
				TechnicianName: tech.Name,
				DistanceMeters: distance,
			}
			note := fmt.Sprintf("technician %s checked in %d m from the site", tech.DisplayName(), int64(math.Round(distance)))
			return domain.Patch{
				Checkin: &checkin,
				History: s.entry(at, note),
			}, nil
		},
	})
}
