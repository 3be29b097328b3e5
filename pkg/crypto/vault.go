package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Ошибки хранилища секретов
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrEmptyCiphertext    = errors.New("ciphertext is empty")
)

// KeySize - длина ключа AES-256
const KeySize = 32

// Vault шифрует секреты пользователей (webhook secret, ключи бирж, токены)
// AES-256-GCM; формат хранения: base64(nonce | ciphertext | tag).
//
// Расшифрованные значения возвращаются как []byte: вызывающий код
// обязан обнулить их через Wipe после использования.
type Vault struct {
	aead cipher.AEAD
}

// NewVault создает хранилище с 32-байтовым ключом
func NewVault(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt шифрует plaintext со случайным nonce
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает значение из БД.
// Ошибки оборачивают ErrDecryptionFailed.
func (v *Vault) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrEmptyCiphertext)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInvalidCiphertext)
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrCiphertextTooShort)
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Wipe обнуляет буфер с секретом
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateKey - случайный ключ AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
