// Package utils holds small generic helpers shared across packages.
package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadJSONFile reads and decodes a JSON document at filePath into T.
func ReadJSONFile[T any](filePath string) (T, error) {
	var result T
	data, err := os.ReadFile(filePath)
	if err != nil {
		return result, fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return result, nil
}
