package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
)

var encryptionKey []byte

// SetEncryptionKey sets the global key used to encrypt token material at
// rest. Keys shorter than 32 bytes are zero-padded to AES-256 length.
func SetEncryptionKey(key string) error {
	finalKey := make([]byte, 32)
	copy(finalKey, []byte(key))
	encryptionKey = finalKey
	return nil
}

// Encrypt encrypts a plain text string using AES-GCM and returns a base64
// encoded string. Without a configured key the input passes through.
func Encrypt(plainText string) (string, error) {
	if len(encryptionKey) == 0 {
		return plainText, nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64 encoded string using AES-GCM. Values that do not
// look like ciphertext are returned as-is to tolerate legacy plain rows.
func Decrypt(cipherText string) (string, error) {
	if len(encryptionKey) == 0 {
		return cipherText, nil
	}

	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return cipherText, nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return cipherText, nil
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
