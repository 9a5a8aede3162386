package crypt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DecrypterConfig configures a Decrypter.
type DecrypterConfig struct {
	// EnableSoftwareAES selects the streaming software path. When false the
	// whole-buffer asynchronous path is used.
	EnableSoftwareAES bool
	Logger            *slog.Logger
}

// Decrypter decrypts AES-CBC encrypted segments, either incrementally as
// chunks arrive or as a whole buffer.
//
// The streaming path holds back one decrypted chunk so that PKCS#7 padding
// can be stripped from the last one on Flush.
type Decrypter struct {
	logger   *slog.Logger
	software bool

	mu            sync.Mutex
	currentIV     []byte
	currentResult []byte
	remainderData []byte
	logged        bool
}

// NewDecrypter creates a Decrypter.
func NewDecrypter(cfg DecrypterConfig) *Decrypter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Decrypter{
		logger:   logger.With(slog.String("component", "decrypter")),
		software: cfg.EnableSoftwareAES,
	}
}

// IsSync reports whether SoftwareDecrypt must be used.
func (d *Decrypter) IsSync() bool {
	return d.software
}

// SoftwareDecrypt decrypts the next chunk of a segment. Bytes beyond the
// last full block are held until the next call. The returned data is the
// result of the previous call, so the first call returns nil.
func (d *Decrypter) SoftwareDecrypt(data, key, iv []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.logged {
		d.logger.Debug("using software AES decryption")
		d.logged = true
	}

	if len(d.remainderData) > 0 {
		merged := make([]byte, 0, len(d.remainderData)+len(data))
		merged = append(merged, d.remainderData...)
		data = append(merged, data...)
		d.remainderData = nil
	}

	chunk := d.validChunk(data)
	if len(chunk) == 0 {
		return nil, nil
	}
	if d.currentIV != nil {
		iv = d.currentIV
	}

	decrypted, err := decryptCBC(key, iv, chunk)
	if err != nil {
		return nil, fmt.Errorf("software decrypt: %w", err)
	}

	result := d.currentResult
	d.currentResult = decrypted
	d.currentIV = append([]byte(nil), chunk[len(chunk)-BlockSize:]...)
	return result, nil
}

// validChunk returns the block aligned prefix of data and stores the rest.
func (d *Decrypter) validChunk(data []byte) []byte {
	cut := len(data) - len(data)%BlockSize
	if cut != len(data) {
		d.remainderData = append([]byte(nil), data[cut:]...)
	}
	return data[:cut]
}

// Decrypt decrypts a complete segment and strips its padding. The work runs
// on its own goroutine so ctx cancellation is honoured.
func (d *Decrypter) Decrypt(ctx context.Context, data, key, iv []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan result, 1)

	go func() {
		if len(data)%BlockSize != 0 {
			done <- result{err: fmt.Errorf("decrypt: data length %d is not a multiple of %d", len(data), BlockSize)}
			return
		}
		out, err := decryptCBC(key, iv, data)
		if err != nil {
			done <- result{err: fmt.Errorf("decrypt: %w", err)}
			return
		}
		out, err = RemovePadding(out)
		done <- result{data: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

// Flush returns the held back chunk with its padding removed. Nothing is
// returned when a partial block is still pending, as the segment was
// truncated.
func (d *Decrypter) Flush() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, remainder := d.currentResult, d.remainderData
	d.resetLocked()
	if result == nil || len(remainder) > 0 {
		return nil
	}
	if !d.software {
		return result
	}
	out, err := RemovePadding(result)
	if err != nil {
		d.logger.Warn("unable to remove padding", slog.String("error", err.Error()))
		return result
	}
	return out
}

// Reset discards all chaining state.
func (d *Decrypter) Reset() {
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
}

func (d *Decrypter) resetLocked() {
	d.currentIV = nil
	d.currentResult = nil
	d.remainderData = nil
}

// Destroy releases the decrypter.
func (d *Decrypter) Destroy() {
	d.Reset()
}
