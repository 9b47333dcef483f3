package image

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrMalformedPayload is returned when an embedded payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed image payload")
	// ErrEmptyReference is returned when an operation is given a zero Reference.
	ErrEmptyReference = errors.New("empty image reference")
)

const defaultMIMEType = "image/png"

// Kind tags how an image is carried.
type Kind int

const (
	KindURL Kind = iota + 1
	KindEmbedded
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// ParseKind parses the wire form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "url":
		return KindURL, nil
	case "embedded", "b64_json", "base64":
		return KindEmbedded, nil
	default:
		return 0, fmt.Errorf("unknown image kind %q", s)
	}
}

// Reference is either a remote URL or a base64 payload, never both.
type Reference struct {
	Kind     Kind
	URL      string
	Data     string // base64, only for KindEmbedded
	MIMEType string
}

// URL builds a remote reference. Only http and https are accepted.
func URL(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, ErrEmptyReference
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Reference{}, fmt.Errorf("invalid image url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return Reference{}, fmt.Errorf("invalid image url %q: missing host", raw)
	}
	return Reference{Kind: KindURL, URL: raw}, nil
}

// Embedded builds a reference around an already encoded payload.
func Embedded(data, mimeType string) Reference {
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	return Reference{Kind: KindEmbedded, Data: data, MIMEType: mimeType}
}

// Encode base64 encodes raw image bytes into an embedded reference.
func Encode(raw []byte, mimeType string) Reference {
	return Embedded(base64.StdEncoding.EncodeToString(raw), mimeType)
}

// ParseDataURI parses a "data:<mime>;base64,<payload>" URI.
func ParseDataURI(s string) (Reference, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return Reference{}, fmt.Errorf("%w: not a data uri", ErrMalformedPayload)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Reference{}, fmt.Errorf("%w: data uri has no payload", ErrMalformedPayload)
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Reference{}, fmt.Errorf("%w: data uri is not base64 encoded", ErrMalformedPayload)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return Reference{}, fmt.Errorf("%w: unsupported media type %q", ErrMalformedPayload, mimeType)
	}
	return Embedded(payload, mimeType), nil
}

// ParseReference accepts an http(s) URL or a base64 data URI. Anything else is
// rejected rather than guessed at.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, ErrEmptyReference
	}
	if strings.HasPrefix(s, "data:") {
		return ParseDataURI(s)
	}
	return URL(s)
}

// IsZero reports whether r carries nothing.
func (r Reference) IsZero() bool {
	switch r.Kind {
	case KindURL:
		return r.URL == ""
	case KindEmbedded:
		return r.Data == ""
	default:
		return true
	}
}

// Decode returns the raw bytes of an embedded payload.
func (r Reference) Decode() ([]byte, error) {
	if r.Kind != KindEmbedded {
		return nil, fmt.Errorf("%w: reference is a %s, not an embedded payload", ErrMalformedPayload, r.Kind)
	}
	// payloads pasted from JSON or terminals often carry line breaks
	payload := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, r.Data)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	enc := base64.StdEncoding
	if !strings.HasSuffix(payload, "=") && len(payload)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}

// String returns the URL, or the payload as a data URI.
func (r Reference) String() string {
	switch r.Kind {
	case KindURL:
		return r.URL
	case KindEmbedded:
		return "data:" + r.MIMEType + ";base64," + r.Data
	default:
		return ""
	}
}
