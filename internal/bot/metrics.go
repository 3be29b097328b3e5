package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики исполнения сигналов и мониторинга позиций
// ============================================================

// ============ Торговая сага ============

// TradesTotal - исполненные сигналы по исходу и упавшему шагу
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "trade",
		Name:      "executions_total",
		Help:      "Total number of signal executions",
	},
	[]string{"outcome", "failed_step"}, // outcome: success, failure
)

// TradeLatency - длительность саги от credentials до уведомления
var TradeLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbot",
		Subsystem: "trade",
		Name:      "execution_latency_ms",
		Help:      "Signal execution latency in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	},
)

// ============ Мониторинг позиций ============

// CyclesTotal - циклы воркера по результату
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Total number of monitoring cycles",
	},
	[]string{"result"}, // ok, failed
)

// CycleDuration - длительность цикла
var CycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Monitoring cycle duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
)

// PositionsProcessed - позиции, обработанные за последний цикл
var PositionsProcessed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "positions_processed",
		Help:      "Positions processed in the last cycle",
	},
)

// ClosuresTotal - закрытия по причине и результату
var ClosuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "closures_total",
		Help:      "Total number of position closures",
	},
	[]string{"reason", "result"}, // result: closed, failed
)

// RealizedPNL - суммарный реализованный PNL (gauge: PNL бывает отрицательным)
var RealizedPNL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "realized_pnl",
		Help:      "Total realized PnL in quote currency",
	},
)

// ============ Устойчивость ============

// BatchItems - элементы BatchProcessor по результату
var BatchItems = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "batch",
		Name:      "items_total",
		Help:      "Batch items processed",
	},
	[]string{"result"}, // success, failure, circuit_open, timeout
)

// BatchSize - текущий адаптивный размер подпакета
var BatchSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signalbot",
		Subsystem: "batch",
		Name:      "adaptive_size",
		Help:      "Current adaptive sub-batch size",
	},
)

// ErrorsByCategory - ошибки по категориям классификатора
var ErrorsByCategory = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "errors",
		Name:      "classified_total",
		Help:      "Errors by classifier category",
	},
	[]string{"category", "severity"},
)

// CircuitBreakerState - 0 closed, 1 open, 2 half-open
var CircuitBreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "signalbot",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	},
	[]string{"service"},
)

// AlertsFired - сработавшие правила алертов
var AlertsFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signalbot",
		Subsystem: "monitor",
		Name:      "alerts_total",
		Help:      "Alerts fired by rule",
	},
	[]string{"rule", "severity"},
)

// ============ Вспомогательные функции ============

// MetricsCollector - запись метрик через интерфейсы сервисов
type MetricsCollector struct{}

// RecordTrade записывает исход торговой саги
func (MetricsCollector) RecordTrade(outcome, failedStep string, d time.Duration) {
	TradesTotal.WithLabelValues(outcome, failedStep).Inc()
	TradeLatency.Observe(float64(d.Milliseconds()))
}

// RecordCycle записывает итог цикла мониторинга
func RecordCycle(m CycleMetrics) {
	result := "ok"
	if m.Failed {
		result = "failed"
	}
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(m.Duration.Seconds())
	PositionsProcessed.Set(float64(m.Processed))
}

// RecordClosure записывает закрытие позиции
func RecordClosure(reason string, ok bool, pnl float64) {
	result := "closed"
	if !ok {
		result = "failed"
	}
	ClosuresTotal.WithLabelValues(reason, result).Inc()
	if ok && pnl != 0 {
		RealizedPNL.Add(pnl)
	}
}

// RecordBreakerState обновляет состояние автомата
func RecordBreakerState(service string, state int) {
	CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}
