package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/evernoterobot/internal/healthcheck"
)

type PingHandler struct {
	logger  *slog.Logger
	checker healthcheck.Checker
}

// NewPingHandler serves liveness on /ping and readiness of checker on /health.
func NewPingHandler(log *slog.Logger, checker healthcheck.Checker) *PingHandler {
	return &PingHandler{logger: log.With(slog.String("handler", "ping")), checker: checker}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) Health(c echo.Context) error {
	var results []healthcheck.CheckResult
	if h.checker != nil {
		results = h.checker.ListChecks(c.Request().Context())
	}
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for _, r := range results {
		if r.Status == healthcheck.StatusOK {
			status[r.ID] = "ok"
			continue
		}
		h.logger.Warn("health check failed", slog.String("check", r.ID), slog.String("error", r.Detail))
		status[r.ID] = "unavailable"
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(code)
	}
	return c.JSON(code, status)
}
