package sanitize

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrContentTooLong = errors.New("message content is too long")
)

// Sanitizer strips markup from message content before it is persisted.
type Sanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

func New(maxLength int) *Sanitizer {
	return &Sanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize strips all tags from raw and returns HTML-escaped text that is
// safe to insert into markup. The length limit applies to the decoded text.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	clean := strings.TrimSpace(s.policy.Sanitize(raw))
	if clean == "" {
		return "", ErrEmptyContent
	}
	if s.maxLength > 0 && utf8.RuneCountInString(html.UnescapeString(clean)) > s.maxLength {
		return "", fmt.Errorf("%w: max %d characters", ErrContentTooLong, s.maxLength)
	}

	return clean, nil
}
