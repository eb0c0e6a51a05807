package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_Sanitize(t *testing.T) {
	tcases := []struct {
		name     string
		raw      string
		expected string
		err      error
	}{
		{name: "plain text", raw: "hello world", expected: "hello world"},
		{name: "strips tags", raw: "<b>hello</b> <i>there</i>", expected: "hello there"},
		{name: "drops script", raw: "hi<script>alert(1)</script>", expected: "hi"},
		{name: "escapes ampersand", raw: "tom & jerry", expected: "tom &amp; jerry"},
		{name: "trims whitespace", raw: "  hi  ", expected: "hi"},
		{name: "empty", raw: "   ", err: ErrEmptyContent},
		{name: "only markup", raw: "<img src=x onerror=alert(1)>", err: ErrEmptyContent},
		{
			name:     "entity encoded tag stays escaped",
			raw:      "&lt;img src=x onerror=alert(1)&gt;",
			expected: "&lt;img src=x onerror=alert(1)&gt;",
		},
		{
			name:     "entity encoded script stays escaped",
			raw:      "&lt;script&gt;alert(1)&lt;/script&gt;",
			expected: "&lt;script&gt;alert(1)&lt;/script&gt;",
		},
		{name: "too long", raw: strings.Repeat("a", 41), err: ErrContentTooLong},
		{name: "multibyte at limit", raw: strings.Repeat("é", 40), expected: strings.Repeat("é", 40)},
		{name: "entities count as one character", raw: strings.Repeat("&", 40), expected: strings.Repeat("&amp;", 40)},
	}

	s := New(40)
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := s.Sanitize(tc.raw)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, out)
			assert.NotContains(t, out, "<", "expected no live markup in sanitized output")
		})
	}
}
