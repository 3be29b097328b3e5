package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"signalbot/internal/models"
)

// ErrNotificationNotFound - уведомление не найдено
var ErrNotificationNotFound = errors.New("notification not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationRepository - журнал уведомлений (таблица notifications)
//
// Журнал пишется для каждого уведомления пользователю и алерта,
// независимо от того, доставлено ли сообщение в мессенджер.
type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, timestamp, type, severity, user_id, position_id, message, meta, delivered`

// Create записывает уведомление; meta сериализуется в JSONB
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, user_id, position_id, message, meta, delivered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		meta, err = json.Marshal(n.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.UserID,
		n.PositionID,
		n.Message,
		meta,
		n.Delivered,
	).Scan(&n.ID)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние limit уведомлений
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// GetByUserID возвращает последние уведомления пользователя
func (r *NotificationRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`
	return r.query(ctx, query, userID, limit)
}

// DeleteOlderThan - автоочистка журнала
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var (
		userID, positionID sql.NullInt64
		meta               []byte
	)

	err := row.Scan(
		&n.ID,
		&n.Timestamp,
		&n.Type,
		&n.Severity,
		&userID,
		&positionID,
		&n.Message,
		&meta,
		&n.Delivered,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		v := userID.Int64
		n.UserID = &v
	}
	if positionID.Valid {
		v := positionID.Int64
		n.PositionID = &v
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Meta); err != nil {
			return nil, err
		}
	}
	return n, nil
}
