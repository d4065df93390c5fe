package domain

import (
	"errors"
	"fmt"
	"math"
)

// Классы ошибок. Конкретные ошибки ниже оборачивают один из них,
// поэтому вызывающий код проверяет класс через errors.Is.
var (
	// ErrValidation: некорректный или неполный ввод, либо переход недопустим из текущего статуса.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization: у актора нет прав на операцию над заказом.
	ErrAuthorization = errors.New("not authorized")
	// ErrNotFound: заказ или ключ отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrConflict: условная запись не прошла: состояние изменилось конкурентно.
	ErrConflict = errors.New("conflict")
	// ErrConfiguration: у заказа нет обязательных данных для операции.
	ErrConfiguration = errors.New("configuration error")
	// ErrGeofenceRejected: техник находится дальше допустимого радиуса.
	ErrGeofenceRejected = errors.New("geofence rejected")
)

// classifiedError связывает человекочитаемое сообщение с классом ошибки.
type classifiedError struct {
	class error
	msg   string
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

func newError(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

var (
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = newError(ErrNotFound, "order not found")
	// ErrOrderConflict сигнализирует, что статус или версия заказа изменились между чтением и записью.
	ErrOrderConflict = newError(ErrConflict, "order was modified concurrently")
	// ErrOrderExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderExists = newError(ErrConflict, "order already exists")

	ErrOrderIDRequired    = newError(ErrValidation, "order id is required")
	ErrRequesterRequired  = newError(ErrValidation, "requester id is required")
	ErrDeviceRequired     = newError(ErrValidation, "device is required")
	ErrIssueRequired      = newError(ErrValidation, "issue is required")
	ErrTechnicianRequired = newError(ErrValidation, "technician id is required")
	ErrReasonRequired     = newError(ErrValidation, "reason is required")
	ErrInvalidLocation    = newError(ErrValidation, "location is out of range")
	ErrInvalidStatus      = newError(ErrValidation, "unknown order status")
	ErrInvalidRole        = newError(ErrValidation, "unknown actor role")
	ErrRatingOutOfRange   = newError(ErrValidation, "rating must be between 1 and 5")
	// ErrMediaInvalid оборачивается сообщением с названием категории медиа.
	ErrMediaInvalid = newError(ErrValidation, "completion media is invalid")
	// ErrInvalidTransition: операция недопустима из текущего статуса заказа.
	ErrInvalidTransition = newError(ErrValidation, "transition is not allowed from current status")
	// ErrOrderTerminal: заказ в статусе done или cancelled и больше не меняется.
	ErrOrderTerminal = newError(ErrValidation, "order is in a terminal status")
	// ErrForceTargetNotAllowed: done и awaitingConfirm достигаются только через процедуру завершения.
	ErrForceTargetNotAllowed = newError(ErrValidation, "status cannot be forced to this target")
	// ErrForceTechnicianRequired: offered, assigned и checkedIn без техника недостижимы для процедур.
	ErrForceTechnicianRequired = newError(ErrValidation, "order has no technician for this status")

	ErrActorRequired         = newError(ErrAuthorization, "actor identity is required")
	ErrForbidden             = newError(ErrAuthorization, "actor role is not allowed to perform this action")
	ErrNotOfferedTechnician  = newError(ErrAuthorization, "only the offered technician can respond to the offer")
	ErrNotAssignedTechnician = newError(ErrAuthorization, "only the assigned technician can perform this action")
	ErrNotOrderOwner         = newError(ErrAuthorization, "only the requester who created the order can perform this action")
	// ErrForceStatusDisabled возвращается, если политика принудительной смены статуса выключена.
	ErrForceStatusDisabled = newError(ErrAuthorization, "force status is disabled")

	// ErrOrderLocationMissing: у заказа нет координат, проверка геозоны невозможна.
	ErrOrderLocationMissing = newError(ErrConfiguration, "order has no service location")

	ErrEphemeralKeyRequired = newError(ErrValidation, "ephemeral key is required")
	ErrEphemeralKeyNotFound = newError(ErrNotFound, "ephemeral key not found")

	// ErrOutboxPublish: ошибка при публикации или отметке сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// GeofenceError описывает отказ в check-in и несёт вычисленное расстояние.
type GeofenceError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

// RoundedDistance возвращает расстояние, округлённое до метра.
func (e *GeofenceError) RoundedDistance() int64 {
	return int64(math.Round(e.DistanceMeters))
}

func (e *GeofenceError) Error() string {
	return fmt.Sprintf("check-in rejected: about %d m from the service location, must be within %d m",
		e.RoundedDistance(), int64(math.Round(e.RadiusMeters)))
}

func (e *GeofenceError) Unwrap() error { return ErrGeofenceRejected }

// IsConflict проверяет, является ли ошибка конфликтом условной записи.
// Только такие ошибки имеет смысл повторять после перечитывания заказа.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ErrorClass возвращает короткое имя класса ошибки для логов, метрик и ответов API.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrGeofenceRejected):
		return "geofence_rejected"
	default:
		return "internal"
	}
}
