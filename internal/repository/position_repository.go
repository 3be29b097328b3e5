package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"signalbot/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionNotOpen   = errors.New("position is not open")
	ErrInvalidTransition = errors.New("invalid position status transition")
)

// PositionRepository - работа с таблицей positions
//
// Статусы меняются только условными UPDATE (WHERE status = ...),
// поэтому закрытая или отмененная позиция больше не изменяется.
type PositionRepository struct {
	db *sql.DB
}

func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `id, user_id, symbol, side, status, network, order_type, entry_price, size,
		entry_order_id, tp_order_id, sl_order_id, opened_at, closed_at,
		close_reason, close_price, close_size, realized_pnl, updated_at`

// Create сохраняет новую позицию
func (r *PositionRepository) Create(ctx context.Context, pos *models.Position) error {
	query := `
		INSERT INTO positions (user_id, symbol, side, status, network, order_type, entry_price, size,
			entry_order_id, tp_order_id, sl_order_id, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	now := time.Now()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.UpdatedAt = now

	err := r.db.QueryRowContext(ctx, query,
		pos.UserID,
		pos.Symbol,
		pos.Side,
		pos.Status,
		pos.Network,
		pos.OrderType,
		pos.EntryPrice,
		pos.Size,
		nullString(pos.EntryOrderID),
		nullString(pos.TPOrderID),
		nullString(pos.SLOrderID),
		pos.OpenedAt,
		pos.UpdatedAt,
	).Scan(&pos.ID)
	if err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(ctx context.Context, id int64) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	pos, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return pos, nil
}

// GetOpen возвращает все открытые позиции, старые первыми
func (r *PositionRepository) GetOpen(ctx context.Context) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE status = $1
		ORDER BY opened_at ASC`

	return r.queryPositions(ctx, query, models.PositionStatusOpen)
}

// GetOpenByUser возвращает открытые позиции пользователя
func (r *PositionRepository) GetOpenByUser(ctx context.Context, userID int64) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1 AND status = $2
		ORDER BY opened_at ASC`

	return r.queryPositions(ctx, query, userID, models.PositionStatusOpen)
}

// CountOpenByUser - количество открытых позиций пользователя
func (r *PositionRepository) CountOpenByUser(ctx context.Context, userID int64) (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = $2`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, models.PositionStatusOpen).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus переводит позицию из from в to.
// ErrInvalidTransition - переход запрещен моделью;
// ErrPositionNotOpen - позиция уже не в статусе from.
func (r *PositionRepository) UpdateStatus(ctx context.Context, id int64, from, to string) error {
	if !models.CanTransitionPosition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE positions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return err
	}
	return r.expectOneRow(ctx, result, id)
}

// ClosureRecord - данные закрытия позиции
type ClosureRecord struct {
	Status      string // closed или cancelled
	Reason      string
	ClosePrice  float64
	CloseSize   float64
	RealizedPNL float64
	ClosedAt    time.Time
	// CancelledOrders - ордера, отмененные перед закрытием
	CancelledOrders []string
}

// Close атомарно закрывает открытую позицию одной записью
func (r *PositionRepository) Close(ctx context.Context, id int64, rec ClosureRecord) error {
	if !models.CanTransitionPosition(models.PositionStatusOpen, rec.Status) {
		return fmt.Errorf("%w: open -> %s", ErrInvalidTransition, rec.Status)
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now()
	}

	query := `
		UPDATE positions
		SET status = $1, closed_at = $2, close_reason = $3, close_price = $4, close_size = $5,
			realized_pnl = $6, cancelled_orders = $7, updated_at = $8
		WHERE id = $9 AND status = $10`

	result, err := r.db.ExecContext(ctx, query,
		rec.Status,
		rec.ClosedAt,
		rec.Reason,
		rec.ClosePrice,
		rec.CloseSize,
		rec.RealizedPNL,
		pq.Array(rec.CancelledOrders),
		rec.ClosedAt,
		id,
		models.PositionStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("close position %d: %w", id, err)
	}
	return r.expectOneRow(ctx, result, id)
}

// DeleteOrphanedPending удаляет pending-позиции старше olderThan.
// Других удалений позиций нет.
func (r *PositionRepository) DeleteOrphanedPending(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM positions WHERE status = $1 AND opened_at < $2`

	result, err := r.db.ExecContext(ctx, query, models.PositionStatusPending, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// expectOneRow различает "нет позиции" и "позиция не в нужном статусе"
func (r *PositionRepository) expectOneRow(ctx context.Context, result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrPositionNotFound
	}
	return ErrPositionNotOpen
}

func (r *PositionRepository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	pos := &models.Position{}
	var (
		entryID, tpID, slID, reason sql.NullString
		closedAt                    sql.NullTime
		closePrice, closeSize, pnl  sql.NullFloat64
	)

	err := row.Scan(
		&pos.ID,
		&pos.UserID,
		&pos.Symbol,
		&pos.Side,
		&pos.Status,
		&pos.Network,
		&pos.OrderType,
		&pos.EntryPrice,
		&pos.Size,
		&entryID,
		&tpID,
		&slID,
		&pos.OpenedAt,
		&closedAt,
		&reason,
		&closePrice,
		&closeSize,
		&pnl,
		&pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pos.EntryOrderID = entryID.String
	pos.TPOrderID = tpID.String
	pos.SLOrderID = slID.String
	pos.CloseReason = reason.String
	if closedAt.Valid {
		t := closedAt.Time
		pos.ClosedAt = &t
	}
	pos.ClosePrice = floatPtr(closePrice)
	pos.CloseSize = floatPtr(closeSize)
	pos.RealizedPNL = floatPtr(pnl)

	return pos, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
