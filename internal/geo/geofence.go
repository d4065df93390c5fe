// Package geo проверяет, что техник отмечается рядом с местом обслуживания.
package geo

import (
	"math"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const (
	// EarthRadiusMeters: средний радиус Земли для формулы гаверсинусов.
	EarthRadiusMeters = 6371000.0
	// DefaultRadiusMeters: допустимое расстояние check-in по умолчанию.
	DefaultRadiusMeters = 200.0
)

// Distance возвращает расстояние по большому кругу между точками в метрах.
func Distance(a, b domain.Location) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Validator сверяет отметку техника с координатами заявки.
type Validator struct {
	radius float64
}

// NewValidator создаёт валидатор; неположительный радиус заменяется значением по умолчанию.
func NewValidator(radiusMeters float64) Validator {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return Validator{radius: radiusMeters}
}

// Radius возвращает действующий радиус в метрах.
func (v Validator) Radius() float64 {
	if v.radius <= 0 {
		return DefaultRadiusMeters
	}
	return v.radius
}

// Check возвращает расстояние до места обслуживания. Граница включительная.
// Без координат заявки возвращается ErrOrderLocationMissing, за пределами радиуса: *domain.GeofenceError.
func (v Validator) Check(target *domain.Location, reported domain.Location) (float64, error) {
	if target == nil {
		return 0, domain.ErrOrderLocationMissing
	}
	if err := target.Validate(); err != nil {
		return 0, err
	}
	if err := reported.Validate(); err != nil {
		return 0, err
	}

	distance := Distance(*target, reported)
	if !(distance <= v.Radius()) {
		return distance, &domain.GeofenceError{DistanceMeters: distance, RadiusMeters: v.Radius()}
	}
	return distance, nil
}
