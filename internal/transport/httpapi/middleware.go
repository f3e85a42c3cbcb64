package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

const (
	HeaderRequestID       = "X-Request-ID"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderIdempotentReply = "Idempotent-Replayed"
	HeaderActorID         = "X-Actor-ID"
	HeaderActorName       = "X-Actor-Name"

	maxIdempotencyKeyLen = 255
	maxBodyBytes         = 1 << 20
)

// RequestLogger пишет строку лога на каждый запрос и проставляет X-Request-ID.
func RequestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Warn("http request")
		case c.Request.URL.Path == "/ws":
			entry.Debug("http request")
		default:
			entry.Info("http request")
		}
	}
}

// Recovery превращает panic в 500 с JSON-телом.
func Recovery(logger *log.Entry) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"panic":  recovered,
		}).Error("panic while handling request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error: http.StatusText(http.StatusInternalServerError),
			Code:  "internal",
		})
	})
}

// Idempotency сохраняет ответ на запрос с Idempotency-Key и отдаёт его же
// при повторе. Запрос без заголовка проходит как есть.
// Ответы 5xx не сохраняются, ключ освобождается для повтора.
func Idempotency(guard *idempotency.Guard, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if guard == nil || key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			abortWithError(c, logger, errors.Join(errBadRequest, errors.New("idempotency key is too long")))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			abortWithError(c, logger, errors.Join(errBadRequest, err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		storageKey := "http:" + key
		hash := idempotency.HashRequest([]byte(c.Request.Method), []byte(c.Request.URL.Path), body)
		ctx := c.Request.Context()

		decision, err := guard.Begin(ctx, storageKey, hash)
		if err != nil {
			abortWithError(c, logger, err)
			return
		}
		if decision.Replay {
			c.Header(HeaderIdempotentReply, "true")
			c.Data(decision.Record.HTTPStatus, "application/json; charset=utf-8", decision.Record.ResponseBody)
			c.Abort()
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := c.Writer.Status()
		fields := log.Fields{"idempotency_key": key, "status": status}
		if err := guard.Complete(ctx, storageKey, recorder.body.Bytes(), status); err != nil {
			logger.WithError(err).WithFields(fields).Warn("failed to store idempotent response")
		}
	}
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// actorFromRequest читает инициатора из заголовков шлюза.
func actorFromRequest(c *gin.Context) domain.Actor {
	return domain.Actor{
		ID:   strings.TrimSpace(c.GetHeader(HeaderActorID)),
		Name: strings.TrimSpace(c.GetHeader(HeaderActorName)),
	}
}
