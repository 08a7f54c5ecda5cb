// Package audiocodec converts audio payloads between raw bytes and the
// transport-safe base64 encoding used in job envelopes, and provides
// scoped temporary-file storage for engines that consume file paths.
package audiocodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Static errors.
var (
	ErrInvalidBase64 = errors.New("invalid base64 audio payload")
	ErrEmptyPayload  = errors.New("audio payload cannot be empty")
)

const tempWAVPattern = "speaker-ref-*.wav"

// File permissions for temporary speaker files.
const tempFilePermissions = 0o600

// DecodeReference decodes a base64 speaker-reference payload into raw
// audio bytes. A data-URL prefix ("data:audio/wav;base64,<data>") is
// stripped up to and including the first comma before decoding.
// Malformed encodings fail with ErrInvalidBase64; an empty payload fails
// with ErrEmptyPayload. The function never returns partial bytes.
func DecodeReference(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}

	if strings.HasPrefix(payload, "data:") {
		_, data, found := strings.Cut(payload, ",")
		if !found {
			return nil, fmt.Errorf("%w: data URL without payload", ErrInvalidBase64)
		}

		payload = data
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}

	if len(decoded) == 0 {
		return nil, ErrEmptyPayload
	}

	return decoded, nil
}

// EncodeAudio encodes raw audio bytes into the base64 form carried in the
// response envelope. It is the inverse of DecodeReference for payloads
// without a data-URL prefix.
func EncodeAudio(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// WriteTempWAV writes audio bytes to a uniquely named temporary WAV file
// and returns its path together with a cleanup function. The cleanup
// function removes the file and reports a failure to remove it without
// returning an error, so callers can invoke it on every exit path.
func WriteTempWAV(audio []byte) (string, func() error, error) {
	tempFile, err := os.CreateTemp("", tempWAVPattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp speaker file: %w", err)
	}

	path := tempFile.Name()

	cleanup := func() error {
		removeErr := os.Remove(path)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove temp file '%s': %w", path, removeErr)
		}

		return nil
	}

	_, writeErr := tempFile.Write(audio)
	closeErr := tempFile.Close()

	if writeErr != nil {
		_ = cleanup()

		return "", nil, fmt.Errorf("failed to write temp speaker file: %w", writeErr)
	}

	if closeErr != nil {
		_ = cleanup()

		return "", nil, fmt.Errorf("failed to close temp speaker file: %w", closeErr)
	}

	chmodErr := os.Chmod(path, tempFilePermissions)
	if chmodErr != nil {
		_ = cleanup()

		return "", nil, fmt.Errorf("failed to set temp file permissions: %w", chmodErr)
	}

	return path, cleanup, nil
}
