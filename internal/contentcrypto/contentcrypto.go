// Package contentcrypto decrypts external message content: bulk payloads
// delivered alongside an envelope whose decrypted content is only a
// pointer key. Layout: IV (16) || AES-256-CBC ciphertext || HMAC-SHA256
// (32). The 32-byte pointer key is expanded with HKDF-SHA256 into separate
// cipher and MAC keys.
package contentcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize    = 32
	macSize    = 32
	hkdfInfo   = "cobalt external content"
	minPayload = aes.BlockSize + aes.BlockSize + macSize // IV + one block + MAC
)

func deriveKeys(key []byte) (cipherKey, macKey []byte, err error) {
	if len(key) != keySize {
		return nil, nil, fmt.Errorf("contentcrypto: key must be %d bytes, got %d", keySize, len(key))
	}
	r := hkdf.New(sha256.New, key, nil, []byte(hkdfInfo))
	keys := make([]byte, 2*keySize)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, nil, fmt.Errorf("contentcrypto: derive keys: %w", err)
	}
	return keys[:keySize], keys[keySize:], nil
}

// Encrypt encrypts a bulk payload under a fresh layout. Used by the send
// path and by tests; Decrypt is its inverse.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	cipherKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("contentcrypto: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+macSize)
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("contentcrypto: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out)
	return mac.Sum(out), nil
}

// Decrypt authenticates and decrypts a bulk payload. digest, when non-nil,
// is the sender-advertised SHA-256 of the full payload and is verified
// before anything else; a mismatch means the bulk data does not belong to
// the pointer that referenced it.
func Decrypt(data, key, digest []byte) ([]byte, error) {
	if len(data) < minPayload {
		return nil, fmt.Errorf("contentcrypto: data too short (%d bytes)", len(data))
	}

	if digest != nil {
		sum := sha256.Sum256(data)
		if !hmac.Equal(sum[:], digest) {
			return nil, fmt.Errorf("contentcrypto: payload digest mismatch")
		}
	}

	cipherKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}

	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize : len(data)-macSize]
	expectedMAC := data[len(data)-macSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(data[:len(data)-macSize])
	if !hmac.Equal(mac.Sum(nil), expectedMAC) {
		return nil, fmt.Errorf("contentcrypto: MAC verification failed")
	}

	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("contentcrypto: ciphertext length %d not a multiple of block size", len(ct))
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("contentcrypto: %w", err)
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("contentcrypto: invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("contentcrypto: invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("contentcrypto: inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
