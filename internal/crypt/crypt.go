// Package crypt implements HLS segment decryption: whole-segment AES-CBC and
// SAMPLE-AES per-sample decryption.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// Encryption methods as signalled by EXT-X-KEY.
const (
	MethodNone      = "NONE"
	MethodAES128    = "AES-128"
	MethodAES256    = "AES-256"
	MethodSampleAES = "SAMPLE-AES"
)

// BlockSize is the AES block size.
const BlockSize = aes.BlockSize

var (
	// ErrInvalidKey is returned for keys or IVs of the wrong size.
	ErrInvalidKey = errors.New("invalid decryption key")
	// ErrInvalidPadding is returned when PKCS#7 padding cannot be removed.
	ErrInvalidPadding = errors.New("invalid PKCS#7 padding")
)

// KeyData describes how a segment is encrypted.
type KeyData struct {
	Method string
	Key    []byte
	IV     []byte
}

// IsSet reports whether k carries everything needed to decrypt.
func (k *KeyData) IsSet() bool {
	return k != nil && k.Method != "" && k.Method != MethodNone && len(k.Key) > 0 && len(k.IV) > 0
}

// IsSampleAES reports whether k describes SAMPLE-AES protection.
func (k *KeyData) IsSampleAES() bool {
	return k != nil && k.Method == MethodSampleAES
}

// IsFullSegment reports whether k describes whole-segment encryption.
func (k *KeyData) IsFullSegment() bool {
	return k != nil && (k.Method == MethodAES128 || k.Method == MethodAES256)
}

// newCBCDecrypter returns an AES-CBC decrypter for a 128 or 256 bit key.
func newCBCDecrypter(key, iv []byte) (cipher.BlockMode, error) {
	switch len(key) {
	case 16, 32:
	default:
		return nil, fmt.Errorf("%w: key length %d", ErrInvalidKey, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrInvalidKey, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// decryptCBC decrypts src, whose length must be a multiple of BlockSize, into
// a new buffer.
func decryptCBC(key, iv, src []byte) ([]byte, error) {
	mode, err := newCBCDecrypter(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(src))
	mode.CryptBlocks(out, src)
	return out, nil
}

// RemovePadding strips PKCS#7 padding.
func RemovePadding(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > BlockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: pad byte %d", ErrInvalidPadding, pad)
	}
	return data[:len(data)-pad], nil
}
