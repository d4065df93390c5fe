// Package httpapi: HTTP API заявок на ремонт поверх gin.
//
// Актор передаётся заголовками X-Actor-ID, X-Actor-Name и X-Actor-Role;
// проверка подлинности выполняется на шлюзе перед сервисом.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/service/lifecycle"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Handler обслуживает HTTP-запросы к сервису жизненного цикла.
type Handler struct {
	svc            *lifecycle.Service
	idempotency    domain.EphemeralStore
	idempotencyTTL time.Duration
	logger         *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithIdempotency включает повтор ответов по заголовку Idempotency-Key.
func WithIdempotency(store domain.EphemeralStore, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idempotency = store
		h.idempotencyTTL = ttl
	}
}

// NewHandler создаёт HTTP-обработчик.
func NewHandler(svc *lifecycle.Service, options ...Option) *Handler {
	h := &Handler{svc: svc, idempotencyTTL: defaultIdempotencyTTL}
	for _, option := range options {
		option(h)
	}
	if h.logger == nil {
		h.logger = log.WithField("component", "http-api")
	}
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = defaultIdempotencyTTL
	}
	return h
}

// Router собирает gin.Engine со всеми маршрутами.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())
	h.Register(r)
	return r
}

// Register регистрирует маршруты заявок в переданной группе.
func (h *Handler) Register(r gin.IRouter) {
	orders := r.Group("/orders", actorMiddleware())
	mutating := orders.Group("", h.idempotencyMiddleware())

	orders.GET("", h.listOrders)
	orders.GET("/:id", h.getOrder)

	mutating.POST("", h.createOrder)
	mutating.DELETE("/:id", h.deleteOrder)
	mutating.POST("/:id/offer", h.offer)
	mutating.POST("/:id/accept", h.accept)
	mutating.POST("/:id/decline", h.decline)
	mutating.POST("/:id/checkin", h.checkin)
	mutating.POST("/:id/complete-request", h.requestCompletion)
	mutating.POST("/:id/complete-confirm", h.confirmCompletion)
	mutating.POST("/:id/complete-approve", h.approveCompletion)
	mutating.POST("/:id/complete-reject", h.rejectCompletion)
	mutating.POST("/:id/cancel", h.cancel)
	mutating.POST("/:id/force-status", h.forceStatus)
	mutating.POST("/:id/reviews", h.addReview)
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := h.logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("http request failed")
			return
		}
		entry.Debug("http request served")
	}
}
