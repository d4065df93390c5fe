package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderIdempotentReplay  = "Idempotent-Replayed"
	maxIdempotencyKeyLength = 128
)

// storedResponse: сохранённый ответ на запрос с ключом идемпотентности.
// Пустой Status означает, что запрос ещё выполняется.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

var inFlightMarker = mustMarshal(storedResponse{})

// capturingWriter копирует тело ответа, чтобы его можно было сохранить.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware повторяет сохранённый ответ для повторного запроса с тем же
// Idempotency-Key. Ключ действует в пределах актора, метода и пути.
// Ответы 5xx и 409 не сохраняются: после конфликта клиент перечитывает заявку
// и повторяет запрос с тем же ключом.
func (h *Handler) idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if raw == "" || h.idempotency == nil {
			c.Next()
			return
		}
		if len(raw) > maxIdempotencyKeyLength {
			badRequest(c, errors.New("idempotency key is too long"))
			return
		}

		ctx := c.Request.Context()
		key := idempotencyStoreKey(actorFrom(c), c.Request.Method, c.Request.URL.Path, raw)
		fields := log.Fields{"idempotency_key": raw, "path": c.Request.URL.Path}

		acquired, err := h.idempotency.PutIfAbsent(ctx, key, inFlightMarker, h.idempotencyTTL)
		if err != nil {
			h.logger.WithError(err).WithFields(fields).Warn("idempotency store unavailable, serving request without it")
			c.Next()
			return
		}
		if !acquired {
			h.replay(c, key)
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError || status == http.StatusConflict {
			if err := h.idempotency.Delete(ctx, key); err != nil {
				h.logger.WithError(err).WithFields(fields).Warn("failed to release idempotency key")
			}
			return
		}

		stored := storedResponse{
			Status:      status,
			ContentType: writer.Header().Get("Content-Type"),
			Body:        writer.body.Bytes(),
		}
		if err := h.idempotency.Put(ctx, key, mustMarshal(stored), h.idempotencyTTL); err != nil {
			h.logger.WithError(err).WithFields(fields).Warn("failed to store idempotent response")
		}
	}
}

func (h *Handler) replay(c *gin.Context, key string) {
	value, err := h.idempotency.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrEphemeralKeyNotFound) {
			c.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: "idempotency key expired, retry the request", Class: "conflict"})
			return
		}
		h.writeError(c, err)
		return
	}

	var stored storedResponse
	if err := json.Unmarshal(value, &stored); err != nil {
		h.writeError(c, err)
		return
	}
	if stored.Status == 0 {
		c.AbortWithStatusJSON(http.StatusConflict, errorBody{
			Error: "request with this idempotency key is still in progress",
			Class: "conflict",
		})
		return
	}

	c.Header(HeaderIdempotentReplay, "true")
	if len(stored.Body) == 0 {
		c.AbortWithStatus(stored.Status)
		return
	}
	c.Data(stored.Status, stored.ContentType, stored.Body)
	c.Abort()
}

func idempotencyStoreKey(actor domain.Actor, method, path, key string) string {
	sum := sha256.Sum256([]byte(actor.ID + "\x00" + method + "\x00" + path + "\x00" + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

func mustMarshal(v storedResponse) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
