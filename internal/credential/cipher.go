package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"boardmail/backend/internal/domain"
)

// keyInfo HKDF 的上下文信息，修改会导致已有密文无法解密
const keyInfo = "boardmail credential vault v1"

// MinSecretLength 进程密钥最小长度
const MinSecretLength = 32

var errSecretTooShort = errors.New("vault secret too short")

// Cipher 令牌加解密器
//
// 存储格式为 base64(nonce):base64(ciphertext)，每个值使用新的随机 nonce。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 由进程密钥经 HKDF-SHA256 派生 AES-256-GCM 密钥
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d characters", errSecretTooShort, MinSecretLength)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt 加密明文，空串保持为空
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密存储值；格式错误或认证失败返回 domain.ErrCredentialCorrupt
func (c *Cipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	ivPart, ctPart, ok := strings.Cut(stored, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv marker", domain.ErrCredentialCorrupt)
	}
	nonce, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad iv", domain.ErrCredentialCorrupt)
	}
	sealed, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", domain.ErrCredentialCorrupt)
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrCredentialCorrupt)
	}
	return string(plain), nil
}
