package env

import (
	"bytes"
	"os"
	"path/filepath"
)

// GetStringFromFile returns the contents of the file named by key+"_FILE"
// when that variable is set and readable, then key itself, then
// defaultValue. Secrets mounted as files use the first form.
func GetStringFromFile(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetString returns the variable or defaultValue when it is unset or empty
func GetString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
