// Package validation holds input hardening helpers shared by the ingest
// sink and the file-backed components.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MaxPayloadSize caps one MQTT frame; larger frames are dropped before the
// insert.
const MaxPayloadSize = 1 << 20 // 1 MB

// SanitizePath cleans an operator-provided file path and rejects traversal
// components.
func SanitizePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(cleanPath, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return cleanPath, nil
}

// ValidatePayloadSize checks an inbound frame against MaxPayloadSize.
func ValidatePayloadSize(size int) error {
	if size > MaxPayloadSize {
		return fmt.Errorf("payload exceeds maximum size: %d bytes (limit: %d)", size, MaxPayloadSize)
	}
	return nil
}
