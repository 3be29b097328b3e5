package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"signalbot/internal/bot"
	"signalbot/internal/repository"
	"signalbot/pkg/circuitbreaker"
)

// maxBulkClose - предел позиций в одном close-bulk запросе
const maxBulkClose = 100

// PositionCloser - ручное закрытие через сагу закрытия
type PositionCloser interface {
	PreviewByID(ctx context.Context, positionID int64, req bot.ClosureRequest) (*bot.ClosureResult, error)
	CloseByID(ctx context.Context, positionID int64, req bot.ClosureRequest) (*bot.ClosureResult, error)
	CloseManyByID(ctx context.Context, closures []bot.ManualClosure) []bot.ItemResult[*bot.ClosureResult]
}

var _ PositionCloser = (*bot.PositionClosureOrchestrator)(nil)

// PositionHandler - ручное закрытие позиций оператором
//
// Endpoints:
// - GET  /api/v1/positions/{id}/close-preview?price=P
// - POST /api/v1/positions/{id}/close
// - POST /api/v1/positions/close-bulk
type PositionHandler struct {
	closer PositionCloser
}

func NewPositionHandler(closer PositionCloser) *PositionHandler {
	return &PositionHandler{closer: closer}
}

// CloseRequest - тело POST /positions/{id}/close.
// Пустые reason и size: manual и полный размер позиции.
type CloseRequest struct {
	ID     int64   `json:"id,omitempty"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Reason string  `json:"reason"`
}

func (c CloseRequest) closure() bot.ClosureRequest {
	return bot.ClosureRequest{Reason: c.Reason, ClosePrice: c.Price, CloseSize: c.Size}
}

// BulkCloseRequest - тело POST /positions/close-bulk
type BulkCloseRequest struct {
	Positions []CloseRequest `json:"positions"`
}

// BulkCloseItem - исход закрытия одной позиции
type BulkCloseItem struct {
	PositionID int64              `json:"position_id"`
	Success    bool               `json:"success"`
	Result     *bot.ClosureResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Attempts   int                `json:"attempts"`
}

// BulkCloseResponse - результаты в порядке запроса
type BulkCloseResponse struct {
	Results   []BulkCloseItem `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// ClosePreview считает PNL закрытия без обращения к бирже
func (h *PositionHandler) ClosePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}

	req := bot.ClosureRequest{}
	if raw := r.URL.Query().Get("price"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
			respondWithError(w, http.StatusBadRequest, "invalid_price", "price must be a number")
			return
		}
		req.ClosePrice = price
	}
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(size) || math.IsInf(size, 0) {
			respondWithError(w, http.StatusBadRequest, "invalid_size", "size must be a number")
			return
		}
		req.CloseSize = size
	}
	req.Reason = r.URL.Query().Get("reason")

	res, err := h.closer.PreviewByID(r.Context(), id, req)
	if err != nil {
		respondClosureError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// ClosePosition закрывает позицию через сагу закрытия
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}

	var body CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	res, err := h.closer.CloseByID(context.WithoutCancel(r.Context()), id, body.closure())
	if err != nil {
		respondClosureError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// CloseBulk закрывает несколько позиций через BatchProcessor
func (h *PositionHandler) CloseBulk(w http.ResponseWriter, r *http.Request) {
	var body BulkCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	if len(body.Positions) == 0 {
		respondWithError(w, http.StatusBadRequest, "empty_request", "positions must not be empty")
		return
	}
	if len(body.Positions) > maxBulkClose {
		respondWithError(w, http.StatusBadRequest, "too_many_positions",
			"at most "+strconv.Itoa(maxBulkClose)+" positions per request")
		return
	}

	closures := make([]bot.ManualClosure, len(body.Positions))
	for i, p := range body.Positions {
		if p.ID <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_id", "every position needs a positive id")
			return
		}
		closures[i] = bot.ManualClosure{PositionID: p.ID, Request: p.closure()}
	}

	results := h.closer.CloseManyByID(context.WithoutCancel(r.Context()), closures)

	resp := BulkCloseResponse{Results: make([]BulkCloseItem, len(results))}
	for i, res := range results {
		item := BulkCloseItem{
			PositionID: closures[i].PositionID,
			Success:    res.Success,
			Result:     res.Value,
			Attempts:   res.Attempts,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		resp.Results[i] = item
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func positionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid_id", "Invalid position ID")
		return 0, false
	}
	return id, true
}

// respondClosureError переводит ошибку саги закрытия в HTTP код
func respondClosureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrPositionNotFound):
		respondWithError(w, http.StatusNotFound, "not_found", "Position not found")
	case errors.Is(err, repository.ErrPositionNotOpen):
		respondWithError(w, http.StatusConflict, "not_open", err.Error())
	case errors.Is(err, bot.ErrInvalidClosure):
		respondWithError(w, http.StatusBadRequest, "invalid_closure", err.Error())
	case errors.Is(err, bot.ErrClosurePersistFailed):
		respondWithError(w, http.StatusInternalServerError, "reconciliation_required", err.Error())
	case errors.Is(err, circuitbreaker.ErrOpen):
		respondWithError(w, http.StatusServiceUnavailable, "exchange_unavailable", "Exchange circuit breaker is open")
	default:
		respondWithError(w, http.StatusBadGateway, "closure_failed", err.Error())
	}
}
