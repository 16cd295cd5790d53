// Package deviceid provides the persistent bus GUID
package deviceid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh GUID: 32 lowercase hex digits
func New() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GetOrCreate returns the GUID stored at path, creating one if it doesn't exist
func GetOrCreate(path string) (string, error) {
	guid, err := Get(path)
	if err != nil {
		return "", err
	}
	if guid != "" {
		return guid, nil
	}

	guid = New()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(guid+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write identity: %w", err)
	}
	return guid, nil
}

// Get returns the GUID stored at path, or empty string if there is none
func Get(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read identity: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
