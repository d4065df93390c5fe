package domain

import "strings"

// Role: роль участника процесса.
type Role string

const (
	RoleRequester  Role = "requester"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Valid сообщает, является ли роль одной из известных.
func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleTechnician, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole разбирает роль из внешнего ввода.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	return role, nil
}

// Actor: участник, от имени которого выполняется операция.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// Validate проверяет, что у актора есть идентификатор и известная роль.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" || !a.Role.Valid() {
		return ErrActorRequired
	}
	return nil
}

// DisplayName возвращает имя актора, а при его отсутствии: идентификатор.
func (a Actor) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return a.ID
}

// Action: операция над заявкой, для которой проверяются права.
type Action string

const (
	ActionCreate            Action = "create"
	ActionView              Action = "view"
	ActionOffer             Action = "offer"
	ActionAccept            Action = "accept"
	ActionDecline           Action = "decline"
	ActionCheckin           Action = "checkin"
	ActionRequestCompletion Action = "request_completion"
	ActionConfirmCompletion Action = "confirm_completion"
	ActionApproveCompletion Action = "approve_completion"
	ActionRejectCompletion  Action = "reject_completion"
	ActionCancel            Action = "cancel"
	ActionForceStatus       Action = "force_status"
	ActionReview            Action = "review"
	ActionDelete            Action = "delete"
)

// Authorize: единственная точка проверки прав. Возвращает nil, если актор
// может выполнить action над order, иначе ошибку класса ErrAuthorization.
// Для create передаётся пустой Order.
func Authorize(actor Actor, action Action, order Order) error {
	if err := actor.Validate(); err != nil {
		return err
	}

	switch action {
	case ActionCreate:
		return requireRole(actor, RoleRequester)
	case ActionOffer, ActionApproveCompletion, ActionRejectCompletion, ActionForceStatus, ActionDelete:
		return requireRole(actor, RoleAdmin)
	case ActionAccept, ActionDecline:
		if err := requireRole(actor, RoleTechnician); err != nil {
			return err
		}
		if order.TechnicianID != actor.ID {
			return ErrNotOfferedTechnician
		}
		return nil
	case ActionCheckin, ActionRequestCompletion:
		if err := requireRole(actor, RoleTechnician); err != nil {
			return err
		}
		if order.TechnicianID != actor.ID {
			return ErrNotAssignedTechnician
		}
		return nil
	case ActionConfirmCompletion, ActionReview:
		if err := requireRole(actor, RoleRequester); err != nil {
			return err
		}
		return requireOwner(actor, order)
	case ActionCancel:
		if actor.Role == RoleAdmin {
			return nil
		}
		if err := requireRole(actor, RoleRequester); err != nil {
			return err
		}
		return requireOwner(actor, order)
	case ActionView:
		switch actor.Role {
		case RoleAdmin:
			return nil
		case RoleRequester:
			return requireOwner(actor, order)
		default:
			if order.TechnicianID != actor.ID {
				return ErrNotAssignedTechnician
			}
			return nil
		}
	default:
		return ErrForbidden
	}
}

func requireRole(actor Actor, role Role) error {
	if actor.Role != role {
		return ErrForbidden
	}
	return nil
}

func requireOwner(actor Actor, order Order) error {
	if order.RequesterID != actor.ID {
		return ErrNotOrderOwner
	}
	return nil
}
