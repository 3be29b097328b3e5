package repository

import (
	"context"
	"database/sql"
	"errors"

	"signalbot/internal/models"
)

// ErrUserNotFound - пользователь не найден
var ErrUserNotFound = errors.New("user not found")

// UserRepository - чтение пользователей (владельцев webhook'ов)
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, webhook_id, network, is_active, wallet_address, account_id,
		encrypted_webhook_secret, encrypted_mainnet_key, encrypted_testnet_key,
		encrypted_notifier_token, notifier_chat_id, max_open_positions, max_notional, created_at`

// GetByWebhookID ищет пользователя по идентификатору из URL webhook'а
func (r *UserRepository) GetByWebhookID(ctx context.Context, webhookID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE webhook_id = $1`
	return r.getOne(ctx, query, webhookID)
}

// GetByID ищет пользователя по ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByWalletOrAccountID ищет пользователя по адресу кошелька или ID аккаунта биржи
func (r *UserRepository) GetByWalletOrAccountID(ctx context.Context, identifier string) (*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE wallet_address = $1 OR account_id = $1
		LIMIT 1`
	return r.getOne(ctx, query, identifier)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	u := &models.User{}
	var (
		wallet, account, mainnet, testnet, token, chat sql.NullString
	)

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.WebhookID,
		&u.Network,
		&u.IsActive,
		&wallet,
		&account,
		&u.EncryptedWebhookSecret,
		&mainnet,
		&testnet,
		&token,
		&chat,
		&u.MaxOpenPositions,
		&u.MaxNotional,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	u.WalletAddress = wallet.String
	u.AccountID = account.String
	u.EncryptedMainnetKey = mainnet.String
	u.EncryptedTestnetKey = testnet.String
	u.EncryptedNotifierToken = token.String
	u.NotifierChatID = chat.String

	return u, nil
}
