package models

import "time"

// User - владелец webhook'а и позиций.
// Все секреты хранятся зашифрованными (AES-256-GCM, base64).
type User struct {
	ID        int64  `json:"id" db:"id"`
	WebhookID string `json:"webhook_id" db:"webhook_id"`
	Network   string `json:"network" db:"network"` // mainnet, testnet
	IsActive  bool   `json:"is_active" db:"is_active"`

	WalletAddress string `json:"wallet_address,omitempty" db:"wallet_address"`
	AccountID     string `json:"account_id,omitempty" db:"account_id"`

	EncryptedWebhookSecret string `json:"-" db:"encrypted_webhook_secret"`
	EncryptedMainnetKey    string `json:"-" db:"encrypted_mainnet_key"`
	EncryptedTestnetKey    string `json:"-" db:"encrypted_testnet_key"`
	EncryptedNotifierToken string `json:"-" db:"encrypted_notifier_token"`
	NotifierChatID         string `json:"-" db:"notifier_chat_id"`

	// 0 - использовать значения из конфигурации
	MaxOpenPositions int     `json:"max_open_positions" db:"max_open_positions"`
	MaxNotional      float64 `json:"max_notional" db:"max_notional"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EncryptedExchangeKey - ключ биржи для сети пользователя
func (u *User) EncryptedExchangeKey() string {
	if u.Network == NetworkMainnet {
		return u.EncryptedMainnetKey
	}
	return u.EncryptedTestnetKey
}

// EffectiveNetwork - сеть пользователя; пустая означает testnet
func (u *User) EffectiveNetwork() string {
	if u.Network == NetworkMainnet {
		return NetworkMainnet
	}
	return NetworkTestnet
}
