package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 2 * time.Second

var componentStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "storefront_health_check_status",
	Help: "Last health check result per component: 1 healthy, 0.5 degraded, 0 unhealthy.",
}, []string{"component"})

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// worse возвращает более тяжёлое из двух состояний.
func worse(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Check содержит результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response описывает тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Option настраивает Handler.
type Option func(*Handler)

// WithCheckTimeout ограничивает время одной проверки.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithCacheTTL переиспользует результат Run в течение ttl; ноль отключает кэш.
func WithCacheTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.cacheTTL = max(ttl, 0)
	}
}

// Handler собирает проверки и отдаёт их по HTTP.
type Handler struct {
	version  string
	started  time.Time
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	checkers map[string]Checker

	cacheMu  sync.Mutex
	last     Response
	lastAt   time.Time
	hasCache bool
}

func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		version:  version,
		timeout:  defaultCheckTimeout,
		now:      time.Now,
		checkers: make(map[string]Checker),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// RegisterChecker регистрирует проверку под именем name и сбрасывает кэш.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()

	h.cacheMu.Lock()
	h.hasCache = false
	h.cacheMu.Unlock()
}

// Run выполняет все проверки параллельно, каждую со своим таймаутом.
// Общий статус равен худшему из статусов компонентов.
func (h *Handler) Run(ctx context.Context) Response {
	if h.cacheTTL > 0 {
		h.cacheMu.Lock()
		defer h.cacheMu.Unlock()
		if h.hasCache && h.now().Sub(h.lastAt) < h.cacheTTL {
			return h.snapshot(h.last)
		}
	}

	response := h.evaluate(ctx)
	if h.cacheTTL > 0 {
		h.last, h.lastAt, h.hasCache = response, h.now(), true
	}
	return h.snapshot(response)
}

func (h *Handler) snapshot(r Response) Response {
	r.Checks = maps.Clone(r.Checks)
	r.UptimeSeconds = int64(h.now().Sub(h.started).Seconds())
	return r
}

func (h *Handler) evaluate(ctx context.Context) Response {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	names := slices.Sorted(maps.Keys(checkers))
	results := make([]Check, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = checkers[name].Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	response := Response{
		Status:    StatusHealthy,
		Timestamp: h.now().UTC(),
		Checks:    make(map[string]Check, len(results)),
		Version:   h.version,
	}
	for i, check := range results {
		response.Checks[names[i]] = check
		response.Status = worse(response.Status, check.Status)
		componentStatus.WithLabelValues(names[i]).Set(check.Status.gaugeValue())
	}
	return response
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, пока хотя бы один обязательный компонент недоступен.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code, body := http.StatusOK, "ready"
	if h.Run(r.Context()).Status == StatusUnhealthy {
		code, body = http.StatusServiceUnavailable, "not ready"
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
