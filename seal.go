package chainsense

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// 密封格式: magic(4) | salt(16) | nonce(12) | AES-256-GCM(gzip(plaintext))
const (
	sealMagic = "CSB1"
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var errSealedTooShort = errors.New("sealed blob too short")

func deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// seal 压缩并用口令派生的密钥加密 plaintext
func seal(password string, plaintext []byte) ([]byte, error) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}

	header := make([]byte, len(sealMagic)+saltSize+nonceSize)
	copy(header, sealMagic)
	salt := header[len(sealMagic) : len(sealMagic)+saltSize]
	nonce := header[len(sealMagic)+saltSize:]
	if _, err := io.ReadFull(rand.Reader, header[len(sealMagic):]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(header, nonce, compressed.Bytes(), []byte(sealMagic)), nil
}

// unseal 返回一个解压后的明文流, 口令错误或数据损坏时返回 ErrDecode
func unseal(password string, sealed []byte) (io.ReadCloser, error) {
	headerSize := len(sealMagic) + saltSize + nonceSize
	if len(sealed) < headerSize || string(sealed[:len(sealMagic)]) != sealMagic {
		return nil, fmt.Errorf("%w: %w", ErrDecode, errSealedTooShort)
	}
	salt := sealed[len(sealMagic) : len(sealMagic)+saltSize]
	nonce := sealed[len(sealMagic)+saltSize : headerSize]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	compressed, err := gcm.Open(nil, nonce, sealed[headerSize:], []byte(sealMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return zr, nil
}
