package image

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

var filenamePattern = regexp.MustCompile(`^[a-z0-9-]+\.png$`)

func TestGenerateFilename(t *testing.T) {
	ts := time.UnixMilli(1700000000123)

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"simple", "Oriental dragon", "oriental-dragon-1700000000123.png"},
		{"punctuation stripped", "Dragão, oriental! (colorido)", "drago-oriental-colorido-1700000000123.png"},
		{"whitespace runs", "  a \t\n  b   c ", "a-b-c-1700000000123.png"},
		{"stripped chars do not split runs", "a ! b", "a-b-1700000000123.png"},
		{"empty", "", "generated-image-1700000000123.png"},
		{"nothing survives", "!!! ???", "generated-image-1700000000123.png"},
		{"digits", "Tattoo 42 koi", "tattoo-42-koi-1700000000123.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerateFilename(tt.prompt, ts); got != tt.want {
				t.Errorf("GenerateFilename(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestGenerateFilenameProperties(t *testing.T) {
	ts := time.UnixMilli(1712345678901)
	suffix := "-1712345678901"

	prompts := []string{
		"Oriental dragon",
		strings.Repeat("very long prompt ", 20),
		strings.Repeat("x", 200),
		"ÄÖÜ émoji 🐉 dragon",
		"UPPER lower MiXeD",
		"a-b_c.d/e\\f",
		" nbsp em space",
	}
	for _, p := range prompts {
		got := GenerateFilename(p, ts)
		if again := GenerateFilename(p, ts); again != got {
			t.Errorf("not deterministic for %q: %q vs %q", p, got, again)
		}
		if !filenamePattern.MatchString(got) {
			t.Errorf("GenerateFilename(%q) = %q has characters outside [a-z0-9-]", p, got)
		}
		if max := 50 + len(suffix) + 4; len(got) > max {
			t.Errorf("GenerateFilename(%q) = %q is %d chars, want <= %d", p, got, len(got), max)
		}
		if !strings.HasSuffix(got, suffix+".png") {
			t.Errorf("GenerateFilename(%q) = %q missing timestamp suffix", p, got)
		}
	}
}

func TestGenerateFilenameTruncates(t *testing.T) {
	got := GenerateFilename(strings.Repeat("ab ", 40), time.UnixMilli(1))
	body := strings.TrimSuffix(got, "-1.png")
	if len(body) > 50 {
		t.Fatalf("body %q is %d chars", body, len(body))
	}
	if strings.HasSuffix(body, "-") {
		t.Errorf("body %q ends with a hyphen", body)
	}
}
