package domain

import (
	"math"
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заявки на ремонт.
type OrderStatus string

const (
	// OrderStatusPending: заявка создана и ждёт назначения техника.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusOffered: администратор предложил заявку технику, ждём ответа.
	OrderStatusOffered OrderStatus = "offered"
	// OrderStatusAssigned: техник принял предложение.
	OrderStatusAssigned OrderStatus = "assigned"
	// OrderStatusCheckedIn: техник отметился на месте в пределах геозоны.
	OrderStatusCheckedIn OrderStatus = "checkedIn"
	// OrderStatusAwaitingConfirm: техник запросил завершение и приложил медиа.
	OrderStatusAwaitingConfirm OrderStatus = "awaitingConfirm"
	// OrderStatusDone: работа подтверждена заказчиком или администратором.
	OrderStatusDone OrderStatus = "done"
	// OrderStatusCancelled: заявка отменена.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusOffered,
	OrderStatusAssigned,
	OrderStatusCheckedIn,
	OrderStatusAwaitingConfirm,
	OrderStatusDone,
	OrderStatusCancelled,
}

// AllStatuses возвращает все статусы в порядке жизненного цикла.
func AllStatuses() []OrderStatus {
	return append([]OrderStatus(nil), allStatuses...)
}

// Valid сообщает, является ли значение одним из семи известных статусов.
func (s OrderStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDone || s == OrderStatusCancelled
}

// AllowsTechnician сообщает, может ли в этом статусе быть назначен техник.
// После done техник сохраняется для аудита.
func (s OrderStatus) AllowsTechnician() bool {
	switch s {
	case OrderStatusOffered, OrderStatusAssigned, OrderStatusCheckedIn, OrderStatusAwaitingConfirm, OrderStatusDone:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает статус из внешнего ввода.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Location: координаты места обслуживания в градусах.
type Location struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Validate проверяет диапазоны широты и долготы. NaN и бесконечности отклоняются.
func (l Location) Validate() error {
	if !isFinite(l.Lat) || !isFinite(l.Lng) {
		return ErrInvalidLocation
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// HistoryEntry: запись журнала переходов. Журнал только дополняется.
type HistoryEntry struct {
	At   time.Time `json:"at" bson:"at"`
	Time string    `json:"time" bson:"time"`
	Note string    `json:"note" bson:"note"`
}

// Checkin: отметка техника на месте.
type Checkin struct {
	At             time.Time `json:"at" bson:"at"`
	Time           string    `json:"time" bson:"time"`
	Lat            float64   `json:"lat" bson:"lat"`
	Lng            float64   `json:"lng" bson:"lng"`
	Address        string    `json:"address,omitempty" bson:"address,omitempty"`
	TechnicianID   string    `json:"technician_id" bson:"technician_id"`
	TechnicianName string    `json:"technician_name,omitempty" bson:"technician_name,omitempty"`
	DistanceMeters float64   `json:"distance_meters" bson:"distance_meters"`
}

// Review: отзыв заказчика о выполненной работе.
type Review struct {
	At            time.Time `json:"at" bson:"at"`
	Time          string    `json:"time" bson:"time"`
	RequesterID   string    `json:"requester_id" bson:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty" bson:"requester_name,omitempty"`
	Rating        int       `json:"rating" bson:"rating"`
	Content       string    `json:"content,omitempty" bson:"content,omitempty"`
	Images        []string  `json:"images,omitempty" bson:"images,omitempty"`
}

// OrderDetails: данные, которые заказчик передаёт при создании заявки.
type OrderDetails struct {
	Device          string    `json:"device"`
	Issue           string    `json:"issue"`
	Phone           string    `json:"phone,omitempty"`
	Address         string    `json:"address,omitempty"`
	Images          []string  `json:"images,omitempty"`
	Location        *Location `json:"location,omitempty"`
	LocationAddress string    `json:"location_address,omitempty"`
}

// Normalize обрезает пробелы и проверяет обязательные поля.
func (d OrderDetails) Normalize() (OrderDetails, error) {
	d.Device = strings.TrimSpace(d.Device)
	d.Issue = strings.TrimSpace(d.Issue)
	d.Phone = strings.TrimSpace(d.Phone)
	d.Address = strings.TrimSpace(d.Address)
	d.LocationAddress = strings.TrimSpace(d.LocationAddress)

	if d.Device == "" {
		return OrderDetails{}, ErrDeviceRequired
	}
	if d.Issue == "" {
		return OrderDetails{}, ErrIssueRequired
	}
	if d.Location != nil {
		if err := d.Location.Validate(); err != nil {
			return OrderDetails{}, err
		}
		loc := *d.Location
		d.Location = &loc
	}
	images := make([]string, 0, len(d.Images))
	for _, img := range d.Images {
		if img = strings.TrimSpace(img); img != "" {
			images = append(images, img)
		}
	}
	d.Images = images
	return d, nil
}

// Order агрегирует состояние заявки, журнал и под-записи процедур.
type Order struct {
	ID              string          `json:"id" bson:"_id"`
	RequesterID     string          `json:"requester_id" bson:"requester_id"`
	RequesterName   string          `json:"requester_name,omitempty" bson:"requester_name,omitempty"`
	TechnicianID    string          `json:"technician_id,omitempty" bson:"technician_id,omitempty"`
	TechnicianName  string          `json:"technician_name,omitempty" bson:"technician_name,omitempty"`
	Device          string          `json:"device" bson:"device"`
	Issue           string          `json:"issue" bson:"issue"`
	Phone           string          `json:"phone,omitempty" bson:"phone,omitempty"`
	Address         string          `json:"address,omitempty" bson:"address,omitempty"`
	Images          []string        `json:"images,omitempty" bson:"images,omitempty"`
	Location        *Location       `json:"location,omitempty" bson:"location,omitempty"`
	LocationAddress string          `json:"location_address,omitempty" bson:"location_address,omitempty"`
	Status          OrderStatus     `json:"status" bson:"status"`
	History         []HistoryEntry  `json:"history" bson:"history"`
	Checkins        []Checkin       `json:"checkins,omitempty" bson:"checkins,omitempty"`
	Media           CompletionMedia `json:"media,omitempty" bson:"media,omitempty"`
	OfferFlow       OfferFlow       `json:"offer_flow" bson:"offer_flow"`
	CompleteFlow    CompleteFlow    `json:"complete_flow" bson:"complete_flow"`
	CancelFlow      CancelFlow      `json:"cancel_flow" bson:"cancel_flow"`
	Reviews         []Review        `json:"reviews,omitempty" bson:"reviews,omitempty"`
	Version         int64           `json:"version" bson:"version"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" bson:"updated_at"`
}

// NewOrder собирает новую заявку в статусе pending с первой записью журнала.
func NewOrder(id string, requester Actor, details OrderDetails, created HistoryEntry) Order {
	return Order{
		ID:              id,
		RequesterID:     requester.ID,
		RequesterName:   requester.Name,
		Device:          details.Device,
		Issue:           details.Issue,
		Phone:           details.Phone,
		Address:         details.Address,
		Images:          details.Images,
		Location:        details.Location,
		LocationAddress: details.LocationAddress,
		Status:          OrderStatusPending,
		History:         []HistoryEntry{created},
		CreatedAt:       created.At,
		UpdatedAt:       created.At,
	}
}

// HasTechnician сообщает, закреплён ли за заявкой техник.
func (o *Order) HasTechnician() bool {
	return o.TechnicianID != ""
}

// Clone возвращает глубокую копию, чтобы хранилище не делило срезы с вызывающим кодом.
func (o Order) Clone() Order {
	dst := o
	dst.Images = append([]string(nil), o.Images...)
	dst.History = append([]HistoryEntry(nil), o.History...)
	dst.Checkins = append([]Checkin(nil), o.Checkins...)
	dst.Media = o.Media.Clone()
	if o.Location != nil {
		loc := *o.Location
		dst.Location = &loc
	}
	if o.Reviews != nil {
		dst.Reviews = make([]Review, len(o.Reviews))
		for i, r := range o.Reviews {
			r.Images = append([]string(nil), r.Images...)
			dst.Reviews[i] = r
		}
	}
	return dst
}

// ValidateInvariants проверяет базовые инварианты заявки и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.RequesterID == "" {
		errs = append(errs, ErrRequesterRequired)
	}
	if o.Device == "" {
		errs = append(errs, ErrDeviceRequired)
	}
	if o.Issue == "" {
		errs = append(errs, ErrIssueRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	// Техник допустим только в статусах назначения и после done.
	if o.HasTechnician() && !o.Status.AllowsTechnician() {
		errs = append(errs, ErrInvalidTransition)
	}
	if o.Location != nil {
		if err := o.Location.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}
