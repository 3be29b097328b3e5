package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"signalbot/internal/bot"
	"signalbot/pkg/circuitbreaker"
)

// HealthReporter - источник HealthReport (bot.MonitoringManager)
type HealthReporter interface {
	Report() bot.HealthReport
}

// BreakerRegistry - реестр circuit breaker'ов внешних сервисов
type BreakerRegistry interface {
	Snapshot() []circuitbreaker.Stats
	OpenCount() int
	Reset(name string) bool
}

var _ HealthReporter = (*bot.MonitoringManager)(nil)
var _ BreakerRegistry = (*circuitbreaker.Registry)(nil)

// MonitoringHandler - ops endpoints состояния воркера и внешних сервисов
//
// Endpoints:
// - GET  /api/v1/monitoring/health
// - GET  /api/v1/monitoring/circuit-breakers
// - POST /api/v1/monitoring/circuit-breakers/{name}/reset
type MonitoringHandler struct {
	health   HealthReporter
	breakers BreakerRegistry
}

func NewMonitoringHandler(health HealthReporter, breakers BreakerRegistry) *MonitoringHandler {
	return &MonitoringHandler{health: health, breakers: breakers}
}

// CircuitBreakersResponse - состояния всех автоматов
type CircuitBreakersResponse struct {
	Breakers []circuitbreaker.Stats `json:"breakers"`
	Open     int                    `json:"open"`
}

// GetHealth возвращает полный HealthReport.
// 200 для healthy и degraded, 503 для unhealthy.
func (h *MonitoringHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report()

	code := http.StatusOK
	if report.Status == bot.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, report)
}

// GetCircuitBreakers - снимок автоматов, отсортированный по имени
func (h *MonitoringHandler) GetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, CircuitBreakersResponse{
		Breakers: h.breakers.Snapshot(),
		Open:     h.breakers.OpenCount(),
	})
}

// ResetCircuitBreaker принудительно переводит автомат в CLOSED
func (h *MonitoringHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.breakers.Reset(name) {
		respondWithError(w, http.StatusNotFound, "breaker_not_found", "Circuit breaker not found: "+name)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Circuit breaker reset: " + name})
}
