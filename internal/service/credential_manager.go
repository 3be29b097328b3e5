package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"signalbot/internal/models"
	"signalbot/pkg/crypto"
	"signalbot/pkg/utils"
)

// ErrNoExchangeKey - у пользователя нет ключа для его сети
var ErrNoExchangeKey = errors.New("no exchange key configured for network")

// CredentialSet - расшифрованные секреты пользователя на время одной операции.
// Не передается между горутинами разных пользователей; Wipe вызывается через defer.
type CredentialSet struct {
	UserID        int64
	Network       string
	ExchangeKey   []byte
	NotifierToken []byte
	NotifierChat  string

	once sync.Once
}

// Wipe обнуляет все байтовые буферы. Повторный вызов безопасен.
func (c *CredentialSet) Wipe() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		crypto.Wipe(c.ExchangeKey)
		crypto.Wipe(c.NotifierToken)
		c.ExchangeKey = nil
		c.NotifierToken = nil
	})
}

// CanNotify - есть токен и получатель
func (c *CredentialSet) CanNotify() bool {
	return c != nil && len(c.NotifierToken) > 0 && c.NotifierChat != ""
}

// CredentialManager расшифровывает секреты пользователя
type CredentialManager struct {
	vault  Decrypter
	logger *zap.Logger
}

func NewCredentialManager(vault Decrypter, logger *zap.Logger) *CredentialManager {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &CredentialManager{
		vault:  vault,
		logger: logger.With(utils.Component("credentials")),
	}
}

// Resolve расшифровывает ключ биржи для сети пользователя и токен уведомлений.
// Ключ обязателен; токен опционален, ошибка его расшифровки только логируется.
func (m *CredentialManager) Resolve(ctx context.Context, user *models.User) (*CredentialSet, error) {
	network := user.EffectiveNetwork()

	encKey := user.EncryptedExchangeKey()
	if encKey == "" {
		return nil, fmt.Errorf("%w: user %d, %s", ErrNoExchangeKey, user.ID, network)
	}

	key, err := m.vault.Decrypt(ctx, encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt exchange key for user %d: %w", user.ID, err)
	}

	creds := &CredentialSet{
		UserID:       user.ID,
		Network:      network,
		ExchangeKey:  key,
		NotifierChat: user.NotifierChatID,
	}

	if user.EncryptedNotifierToken != "" {
		token, err := m.vault.Decrypt(ctx, user.EncryptedNotifierToken)
		if err != nil {
			m.logger.Warn("notifier token decrypt failed, notifications disabled",
				utils.UserID(user.ID), utils.Err(err))
		} else {
			creds.NotifierToken = token
		}
	}

	return creds, nil
}

// ResolveNotifier расшифровывает только токен уведомлений.
// Используется, когда ключ биржи не нужен или уже не расшифровался.
func (m *CredentialManager) ResolveNotifier(ctx context.Context, user *models.User) *CredentialSet {
	creds := &CredentialSet{UserID: user.ID, Network: user.EffectiveNetwork(), NotifierChat: user.NotifierChatID}
	if user.EncryptedNotifierToken == "" {
		return creds
	}
	token, err := m.vault.Decrypt(ctx, user.EncryptedNotifierToken)
	if err != nil {
		m.logger.Warn("notifier token decrypt failed", utils.UserID(user.ID), utils.Err(err))
		return creds
	}
	creds.NotifierToken = token
	return creds
}
