package types

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath checks a claim or conflict file path. Paths must be
// repo-relative, free of traversal components and NUL bytes.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path is empty: %w", ErrValidation)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains NUL byte: %w", ErrValidation)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return fmt.Errorf("file path %q is absolute, want repo-relative: %w", path, ErrValidation)
	}
	// Windows-style drive prefix also counts as absolute.
	if len(path) >= 2 && path[1] == ':' {
		return fmt.Errorf("file path %q is absolute, want repo-relative: %w", path, ErrValidation)
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("file path %q contains traversal: %w", path, ErrValidation)
		}
	}
	return nil
}

// ValidateMetadata bounds opaque metadata columns. A nil map is valid.
func ValidateMetadata(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("metadata not serializable: %v: %w", err, ErrValidation)
	}
	if len(data) > MaxMetadataBytes {
		return fmt.Errorf("metadata is %d bytes, limit %d: %w", len(data), MaxMetadataBytes, ErrValidation)
	}
	return nil
}

// ValidateConfidence checks a confidence score lies in [0,1].
func ValidateConfidence(score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]: %w", score, ErrValidation)
	}
	return nil
}

// ValidateTTL checks a claim TTL is positive.
func ValidateTTL(ttlHours float64) error {
	if ttlHours <= 0 {
		return fmt.Errorf("ttl %.2fh must be positive: %w", ttlHours, ErrValidation)
	}
	return nil
}

// DecodeMetadata parses a stored metadata column. Malformed JSON decodes to
// nil rather than an error so a corrupt row never poisons reads.
func DecodeMetadata(raw string) map[string]interface{} {
	if raw == "" || raw == "null" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// EncodeMetadata serializes metadata for storage. Nil encodes to the empty
// string, which DecodeMetadata maps back to nil.
func EncodeMetadata(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeStrings parses a stored string-list column with the same leniency
// as DecodeMetadata.
func DecodeStrings(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

// EncodeStrings serializes a string list for storage. Nil and empty both
// encode to the empty string.
func EncodeStrings(list []string) string {
	if len(list) == 0 {
		return ""
	}
	data, err := json.Marshal(list)
	if err != nil {
		return ""
	}
	return string(data)
}
