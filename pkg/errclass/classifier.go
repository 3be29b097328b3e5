// Package errclass сводит произвольные ошибки к категории и уровню важности.
//
// Категория определяет политику: validation и rate_limit возвращаются клиенту,
// network/api идут в circuit breaker и повторы, database/system эскалируются.
package errclass

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// Category - класс ошибки
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryDatabase   Category = "database"
	CategoryAPI        Category = "api"
	CategoryRateLimit  Category = "rate_limit"
	CategoryValidation Category = "validation"
	CategoryProcessing Category = "processing"
	CategorySystem     Category = "system"
	CategoryUnknown    Category = "unknown"
)

// Severity - уровень важности
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Categorized - ошибка, которая сама знает свою категорию
// (ExchangeError, ValidationError и т.п.)
type Categorized interface {
	ErrorCategory() Category
}

// PanicError - паника, перехваченная recover и превращенная в ошибку
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered panic: %v", e.Value)
}

func (e *PanicError) ErrorCategory() Category { return CategorySystem }

// Classification - результат классификации
type Classification struct {
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
}

// SeverityFor - уровень по категории
func SeverityFor(c Category) Severity {
	switch c {
	case CategoryDatabase, CategorySystem:
		return SeverityCritical
	case CategoryNetwork:
		return SeverityHigh
	case CategoryAPI, CategoryRateLimit:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RetryableCategory - категории, которые имеет смысл повторять
func RetryableCategory(c Category) bool {
	switch c {
	case CategoryNetwork, CategoryAPI, CategoryRateLimit, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Classify определяет категорию ошибки: сначала по типу, затем по тексту
func Classify(err error) Classification {
	c := categorize(err)
	return Classification{
		Category:  c,
		Severity:  SeverityFor(c),
		Retryable: err != nil && RetryableCategory(c),
	}
}

// IsRetryable - сокращение для Classify(err).Retryable
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

func categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var cat Categorized
	if errors.As(err, &cat) {
		return cat.ErrorCategory()
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return CategoryDatabase
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return CategoryDatabase
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return CategoryProcessing
	}

	return categorizeMessage(strings.ToLower(err.Error()))
}

// keywordRules проверяются по порядку, первое совпадение побеждает
var keywordRules = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "timeout", "timed out", "no such host", "network", "eof", "broken pipe"}},
	{CategoryDatabase, []string{"database", "sql", "postgres", "deadlock", "relation"}},
	{CategoryValidation, []string{"invalid", "validation", "required", "must be"}},
	{CategorySystem, []string{"out of memory", "panic", "disk full", "too many open files"}},
	{CategoryAPI, []string{"api", "exchange", "order", "http"}},
	{CategoryProcessing, []string{"decode", "unmarshal", "parse", "processing"}},
}

func categorizeMessage(msg string) Category {
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// ============================================================
// Counter - счетчики ошибок по категориям для health-отчета
// ============================================================

type Counter struct {
	mu     sync.Mutex
	counts map[Category]int64
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[Category]int64)}
}

// Record классифицирует ошибку и увеличивает счетчик ее категории
func (c *Counter) Record(err error) Classification {
	cl := Classify(err)
	if err == nil {
		return cl
	}
	c.mu.Lock()
	c.counts[cl.Category]++
	c.mu.Unlock()
	return cl
}

// Snapshot - копия счетчиков
func (c *Counter) Snapshot() map[Category]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Category]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
