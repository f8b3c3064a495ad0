package fetch

import (
	"fmt"
	"mime"
	"strings"
)

// Default content bounds: pages under 2KB are error stubs or parked
// domains, pages over 5MB are not worth scanning.
const (
	DefaultMinBytes = 2048
	DefaultMaxBytes = 5 * 1024 * 1024
)

var allowedContentTypes = map[string]struct{}{
	"text/html":             {},
	"text/plain":            {},
	"application/xhtml+xml": {},
	"application/xml":       {},
	"text/xml":              {},
}

// PageFilter validates fetched content before it reaches extraction.
type PageFilter struct {
	MinBytes int
	MaxBytes int
}

// NewPageFilter returns a filter with the default bounds.
func NewPageFilter() PageFilter {
	return PageFilter{MinBytes: DefaultMinBytes, MaxBytes: DefaultMaxBytes}
}

// Validate checks size and content type; bounds are inclusive. A nil
// return means the page may be extracted from.
func (f PageFilter) Validate(size int, contentType string) error {
	if size < f.MinBytes {
		return fmt.Errorf("page too small: %d bytes (min %d)", size, f.MinBytes)
	}
	if size > f.MaxBytes {
		return fmt.Errorf("page too large: %d bytes (max %d)", size, f.MaxBytes)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if _, ok := allowedContentTypes[mediaType]; !ok {
		return fmt.Errorf("unsupported content type %q", contentType)
	}
	return nil
}
