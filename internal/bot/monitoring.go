package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/service"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/errclass"
	"signalbot/pkg/utils"
)

// Уровни алертов
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Статусы здоровья
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// CycleMetrics - итог одного цикла мониторинга
type CycleMetrics struct {
	CycleID   string        `json:"cycle_id"`
	StartedAt time.Time     `json:"started_at"`
	Processed int           `json:"processed"`
	Closed    int           `json:"closed"`
	Errors    int           `json:"errors"`
	Users     int           `json:"users"`
	Duration  time.Duration `json:"duration_ns"`
	Failed    bool          `json:"failed"`
	Error     string        `json:"error,omitempty"`
}

// Alert - сработавшее правило
type Alert struct {
	Rule     string    `json:"rule"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

// CycleTotals - накопленные счетчики с момента старта
type CycleTotals struct {
	Cycles    int64 `json:"cycles"`
	Failed    int64 `json:"failed"`
	Processed int64 `json:"processed"`
	Closed    int64 `json:"closed"`
	Errors    int64 `json:"errors"`
}

// HealthReport - состояние для ops API
type HealthReport struct {
	Status              string                      `json:"status"`
	Timestamp           time.Time                   `json:"timestamp"`
	LastCycle           *CycleMetrics               `json:"last_cycle,omitempty"`
	LastSuccess         *time.Time                  `json:"last_success,omitempty"`
	ConsecutiveFailures int                         `json:"consecutive_failures"`
	Totals              CycleTotals                 `json:"totals"`
	ActiveAlerts        []Alert                     `json:"active_alerts"`
	RecentAlerts        []Alert                     `json:"recent_alerts"`
	Breakers            []circuitbreaker.Stats      `json:"circuit_breakers"`
	ErrorCategories     map[errclass.Category]int64 `json:"error_categories"`
}

// AlertSink - доставка алертов администратору (service.AdminAlerter)
type AlertSink interface {
	SendAlert(ctx context.Context, message string) error
}

// EventBroadcaster - трансляция событий мониторинга в ops-поток
type EventBroadcaster interface {
	BroadcastAlert(rule, severity, message string)
	BroadcastCycle(metrics interface{})
}

// MonitoringConfig - пороги правил алертов
type MonitoringConfig struct {
	Interval            time.Duration // интервал цикла воркера
	HistorySize         int           // по умолчанию 100
	Cooldown            time.Duration // по умолчанию 5m
	ErrorRateThreshold  float64       // по умолчанию 0.25
	ErrorRateWindow     int           // циклов, по умолчанию 5
	ConsecutiveFailures int           // по умолчанию 3
}

func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		Interval:            30 * time.Second,
		HistorySize:         100,
		Cooldown:            5 * time.Minute,
		ErrorRateThreshold:  0.25,
		ErrorRateWindow:     5,
		ConsecutiveFailures: 3,
	}
}

const recentAlertsSize = 20

// MonitoringManager хранит историю циклов и проверяет правила алертов.
// Каждое правило срабатывает не чаще одного раза за Cooldown.
type MonitoringManager struct {
	cfg      MonitoringConfig
	breakers *circuitbreaker.Registry
	errors   *errclass.Counter
	sink     AlertSink
	hub      EventBroadcaster
	logger   *zap.Logger
	now      func() time.Time

	mu                  sync.Mutex
	startedAt           time.Time
	history             []CycleMetrics
	totals              CycleTotals
	consecutiveFailures int
	lastSuccess         time.Time
	lastFired           map[string]time.Time
	recent              []Alert
}

func NewMonitoringManager(cfg MonitoringConfig, breakers *circuitbreaker.Registry, sink AlertSink, logger *zap.Logger) *MonitoringManager {
	def := DefaultMonitoringConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = def.ErrorRateWindow
	}
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if logger == nil {
		logger = utils.L().Logger
	}
	m := &MonitoringManager{
		cfg:       cfg,
		breakers:  breakers,
		errors:    errclass.NewCounter(),
		sink:      sink,
		logger:    logger.With(utils.Component("monitoring")),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
	m.startedAt = m.now()
	return m
}

// SetEventBroadcaster устанавливает hub после создания
func (m *MonitoringManager) SetEventBroadcaster(hub EventBroadcaster) {
	m.hub = hub
}

// RecordCycle сохраняет итог цикла, обновляет метрики и проверяет правила
func (m *MonitoringManager) RecordCycle(c CycleMetrics) {
	RecordCycle(c)

	m.mu.Lock()
	m.history = append(m.history, c)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	m.totals.Cycles++
	m.totals.Processed += int64(c.Processed)
	m.totals.Closed += int64(c.Closed)
	m.totals.Errors += int64(c.Errors)
	if c.Failed {
		m.totals.Failed++
		m.consecutiveFailures++
	} else {
		m.consecutiveFailures = 0
		m.lastSuccess = c.StartedAt.Add(c.Duration)
	}
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.BroadcastCycle(c)
	}
	m.evaluate()
}

// RecordError классифицирует ошибку для отчета и метрик
func (m *MonitoringManager) RecordError(err error) errclass.Classification {
	if err == nil {
		return errclass.Classify(nil)
	}
	class := m.errors.Record(err)
	ErrorsByCategory.WithLabelValues(string(class.Category), string(class.Severity)).Inc()
	return class
}

// CheckHealth проверяет правила без нового цикла (health loop воркера)
func (m *MonitoringManager) CheckHealth() HealthReport {
	m.evaluate()
	return m.Report()
}

// RaiseAlert поднимает алерт вне правил (сверка, ошибки воркера)
func (m *MonitoringManager) RaiseAlert(name, severity, message string) {
	m.mu.Lock()
	a, ok := m.tryFireLocked(name, severity, message, m.now())
	m.mu.Unlock()
	if ok {
		m.deliver(a)
	}
}

// Report - снимок состояния; правила не срабатывают
func (m *MonitoringManager) Report() HealthReport {
	now := m.now()

	m.mu.Lock()
	active := m.conditionsLocked(now)
	r := HealthReport{
		Timestamp:           now,
		ConsecutiveFailures: m.consecutiveFailures,
		Totals:              m.totals,
		ActiveAlerts:        active,
		RecentAlerts:        append([]Alert(nil), m.recent...),
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		r.LastCycle = &last
	}
	if !m.lastSuccess.IsZero() {
		ls := m.lastSuccess
		r.LastSuccess = &ls
	}
	m.mu.Unlock()

	if r.ActiveAlerts == nil {
		r.ActiveAlerts = []Alert{}
	}
	if m.breakers != nil {
		r.Breakers = m.breakers.Snapshot()
	}
	r.ErrorCategories = m.errors.Snapshot()
	r.Status = healthStatus(active)
	return r
}

// History - последние n циклов, старые первыми
func (m *MonitoringManager) History(n int) []CycleMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	return append([]CycleMetrics(nil), m.history[len(m.history)-n:]...)
}

func healthStatus(active []Alert) string {
	status := HealthHealthy
	for _, a := range active {
		if a.Severity == AlertCritical {
			return HealthUnhealthy
		}
		status = HealthDegraded
	}
	return status
}

// ============ Правила ============

func (m *MonitoringManager) evaluate() {
	now := m.now()

	m.mu.Lock()
	var fired []Alert
	for _, c := range m.conditionsLocked(now) {
		if a, ok := m.tryFireLocked(c.Rule, c.Severity, c.Message, now); ok {
			fired = append(fired, a)
		}
	}
	m.mu.Unlock()

	for _, a := range fired {
		m.deliver(a)
	}
}

// conditionsLocked - правила, условие которых выполняется сейчас
func (m *MonitoringManager) conditionsLocked(now time.Time) []Alert {
	var out []Alert
	add := func(rule, severity, msg string) {
		out = append(out, Alert{Rule: rule, Severity: severity, Message: msg, FiredAt: now})
	}

	window := m.history
	if len(window) > m.cfg.ErrorRateWindow {
		window = window[len(window)-m.cfg.ErrorRateWindow:]
	}
	var processed, errs int
	for _, c := range window {
		processed += c.Processed
		errs += c.Errors
	}
	if processed > 0 {
		if rate := float64(errs) / float64(processed); rate > m.cfg.ErrorRateThreshold {
			add("high_error_rate", AlertWarning,
				fmt.Sprintf("Error rate %.1f%% over last %d cycles", rate*100, len(window)))
		}
	}

	if m.consecutiveFailures >= m.cfg.ConsecutiveFailures {
		add("consecutive_failures", AlertCritical,
			fmt.Sprintf("%d consecutive monitoring cycles failed", m.consecutiveFailures))
	}

	if n := len(m.history); n > 0 && m.history[n-1].Duration > m.cfg.Interval {
		add("slow_cycle", AlertWarning,
			fmt.Sprintf("Monitoring cycle took %s, interval is %s",
				m.history[n-1].Duration.Round(time.Millisecond), m.cfg.Interval))
	}

	if m.breakers != nil {
		if open := m.breakers.OpenCount(); open > 0 {
			add("circuit_open", AlertWarning, fmt.Sprintf("%d circuit breaker(s) open", open))
		}
	}

	since := m.lastSuccess
	if since.IsZero() {
		since = m.startedAt
	}
	if stale := now.Sub(since); stale > 3*m.cfg.Interval {
		add("stale_cycle", AlertCritical,
			fmt.Sprintf("No successful monitoring cycle for %s", stale.Round(time.Second)))
	}

	return out
}

func (m *MonitoringManager) tryFireLocked(rule, severity, message string, now time.Time) (Alert, bool) {
	if !perEventAlert(rule) {
		if last, ok := m.lastFired[rule]; ok && now.Sub(last) < m.cfg.Cooldown {
			return Alert{}, false
		}
		m.lastFired[rule] = now
	}

	a := Alert{Rule: rule, Severity: severity, Message: message, FiredAt: now}
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlertsSize {
		m.recent = m.recent[len(m.recent)-recentAlertsSize:]
	}
	return a, true
}

// perEventAlert - алерты об отдельных событиях, к ним cooldown не применяется
func perEventAlert(rule string) bool {
	return rule == service.AlertReconciliation
}

// deliver - лог, метрика, администратор и ops-поток; вызывается без mu
func (m *MonitoringManager) deliver(a Alert) {
	AlertsFired.WithLabelValues(a.Rule, a.Severity).Inc()

	fields := []zap.Field{zap.String("rule", a.Rule), utils.Severity(a.Severity), zap.String("message", a.Message)}
	if a.Severity == AlertCritical {
		m.logger.Error("alert fired", fields...)
	} else {
		m.logger.Warn("alert fired", fields...)
	}

	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.sink.SendAlert(ctx, fmt.Sprintf("[%s] %s: %s", a.Severity, a.Rule, a.Message))
		cancel()
		if err != nil {
			m.logger.Warn("alert delivery failed", zap.String("rule", a.Rule), utils.Err(err))
		}
	}

	if m.hub != nil {
		m.hub.BroadcastAlert(a.Rule, a.Severity, a.Message)
	}
}
