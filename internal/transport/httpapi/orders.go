package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/lifecycle"
)

type offerRequest struct {
	TechnicianID   string `json:"technician_id" binding:"required"`
	TechnicianName string `json:"technician_name"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type checkinRequest struct {
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
	Address string   `json:"address"`
}

type completionRequest struct {
	Media domain.MediaSubmission `json:"media" binding:"required"`
}

type forceStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type listResponse struct {
	Orders []domain.Order `json:"orders"`
	Count  int            `json:"count"`
}

// bindOptionalJSON разбирает тело, если оно есть. Пустое тело допустимо.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) createOrder(c *gin.Context) {
	var details domain.OrderDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.svc.CreateOrder(c.Request.Context(), actorFrom(c), details)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Location", "/orders/"+order.ID)
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders принимает ?status=a,b (или повторяющийся status) и ?limit=N.
func (h *Handler) listOrders(c *gin.Context) {
	var query lifecycle.ListQuery
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			status, err := domain.ParseOrderStatus(part)
			if err != nil {
				h.writeError(c, fmt.Errorf("%w: %s", err, part))
				return
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, fmt.Errorf("limit must be a non-negative integer"))
			return
		}
		query.Limit = limit
	}

	orders, err := h.svc.ListOrders(c.Request.Context(), actorFrom(c), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Orders: orders, Count: len(orders)})
}

func (h *Handler) deleteOrder(c *gin.Context) {
	if err := h.svc.DeleteOrder(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) offer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.OfferAssignment(c.Request.Context(), c.Param("id"), actorFrom(c), domain.TechnicianRef{
		ID:   strings.TrimSpace(req.TechnicianID),
		Name: strings.TrimSpace(req.TechnicianName),
	}))
}

func (h *Handler) accept(c *gin.Context) {
	h.respond(c)(h.svc.AcceptOffer(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *Handler) decline(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.DeclineOffer(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason))
}

func (h *Handler) checkin(c *gin.Context) {
	var req checkinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.Checkin(c.Request.Context(), c.Param("id"), actorFrom(c), lifecycle.CheckinInput{
		Lat:     *req.Lat,
		Lng:     *req.Lng,
		Address: req.Address,
	}))
}

func (h *Handler) requestCompletion(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.RequestCompletion(c.Request.Context(), c.Param("id"), actorFrom(c), req.Media))
}

func (h *Handler) confirmCompletion(c *gin.Context) {
	h.respond(c)(h.svc.ConfirmCompletion(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *Handler) approveCompletion(c *gin.Context) {
	h.respond(c)(h.svc.ApproveCompletion(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *Handler) rejectCompletion(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.RejectCompletion(c.Request.Context(), c.Param("id"), actorFrom(c), strings.TrimSpace(req.Reason)))
}

func (h *Handler) cancel(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c), strings.TrimSpace(req.Reason)))
}

func (h *Handler) forceStatus(c *gin.Context) {
	var req forceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c)(h.svc.ForceStatus(c.Request.Context(), c.Param("id"), actorFrom(c),
		domain.OrderStatus(strings.TrimSpace(req.Status)), strings.TrimSpace(req.Reason)))
}

func (h *Handler) addReview(c *gin.Context) {
	var req lifecycle.ReviewInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.svc.AddReview(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// respond пишет заявку с 200 или ошибку по её классу.
func (h *Handler) respond(c *gin.Context) func(domain.Order, error) {
	return func(order domain.Order, err error) {
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}
