package image

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	maxFilenameBody  = 50
	fallbackFilename = "generated-image"
)

// GenerateFilename derives a download filename from a prompt:
// lowercase, [a-z0-9] only, whitespace runs joined by '-', at most 50
// characters, then "-<unix millis>.png".
func GenerateFilename(prompt string, ts time.Time) string {
	body := sanitizePrompt(prompt)
	if body == "" {
		body = fallbackFilename
	}
	return fmt.Sprintf("%s-%d.png", body, ts.UnixMilli())
}

func sanitizePrompt(prompt string) string {
	kept := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, strings.ToLower(prompt))

	body := strings.Join(strings.Fields(kept), "-")
	if len(body) > maxFilenameBody {
		body = body[:maxFilenameBody]
	}
	return strings.TrimRight(body, "-")
}
