package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TelegramNotifier доставляет сообщения через Telegram Bot API.
// Токен передается на каждый вызов: у каждого пользователя свой бот.
type TelegramNotifier struct {
	apiURL string
	client *http.Client
}

// NewTelegramNotifier создает notifier; пустой apiURL - api.telegram.org
func NewTelegramNotifier(apiURL string, timeout time.Duration) *TelegramNotifier {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendNotification отправляет sendMessage.
// false без ошибки - Telegram ответил ok=false (например, чат не найден).
func (t *TelegramNotifier) SendNotification(ctx context.Context, token, destination, message string) (bool, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, token)

	body, err := json.Marshal(map[string]string{
		"chat_id": destination,
		"text":    message,
	})
	if err != nil {
		return false, fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// url содержит токен, поэтому ошибку транспорта не заворачиваем как есть
		return false, fmt.Errorf("telegram: send request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	var tr telegramResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return false, fmt.Errorf("telegram: decode response: %w", err)
	}
	return tr.OK, nil
}

// AdminAlerter отправляет операционные алерты в админский чат.
// Без токена или чата отправка пропускается.
type AdminAlerter struct {
	notifier Notifier
	token    string
	chatID   string
}

func NewAdminAlerter(notifier Notifier, token, chatID string) *AdminAlerter {
	return &AdminAlerter{notifier: notifier, token: token, chatID: chatID}
}

// Enabled - настроены ли токен и чат
func (a *AdminAlerter) Enabled() bool {
	return a != nil && a.notifier != nil && a.token != "" && a.chatID != ""
}

func (a *AdminAlerter) SendAlert(ctx context.Context, message string) error {
	if !a.Enabled() {
		return nil
	}
	ok, err := a.notifier.SendNotification(ctx, a.token, a.chatID, message)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin alert rejected by notifier")
	}
	return nil
}
