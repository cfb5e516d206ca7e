// Package secrets — выпуск и хранение service_api_key приложений.
// В БД лежит только шифртекст: AES-GCM под ключом, выведенным argon2id
// из hub.master_key. Plaintext отдаётся один раз при выпуске/ротации.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const keyPrefix = "ehk_" // echohub key

var ErrBadCiphertext = errors.New("ciphertext too short")

type Service struct {
	aead cipher.AEAD
}

// New выводит data key из мастер-секрета. Соль фиксированная: нам нужна
// детерминированная деривация, а не хранение пароля.
func New(masterKey string) (*Service, error) {
	dk := argon2.IDKey([]byte(masterKey), []byte("echohub-keys"), 1, 64*1024, 1, 32)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead}, nil
}

// Generate — новый service key: ehk_ + 32 hex.
func (s *Service) Generate() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return keyPrefix + hex.EncodeToString(raw[:])
}

// Encrypt: nonce || ciphertext.
func (s *Service) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Service) Decrypt(enc []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(enc) < ns {
		return "", ErrBadCiphertext
	}
	pt, err := s.aead.Open(nil, enc[:ns], enc[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("service key decrypt: %w", err)
	}
	return string(pt), nil
}

// Rotate — новый ключ + его шифртекст для записи в строку приложения.
func (s *Service) Rotate() (plaintext string, enc []byte, err error) {
	plaintext = s.Generate()
	enc, err = s.Encrypt(plaintext)
	return
}
