package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blacktop/imagine/internal/image"
	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

var (
	// ErrNetworkFailure wraps transport errors talking to the backend.
	ErrNetworkFailure = errors.New("network failure")
	// ErrInvalidResponseShape is returned for any generate response other
	// than {success: true, data: {url | b64_json}}.
	ErrInvalidResponseShape = errors.New("invalid response from image service")
)

// Client talks to the image backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate submits prompt and returns a pending image.
func (c *Client) Generate(ctx context.Context, prompt string, p Params) (*image.GeneratedImage, error) {
	p = p.WithDefaults()
	payload, err := json.Marshal(GenerateRequest{
		Prompt:  prompt,
		Model:   p.Model,
		Size:    p.Size,
		Quality: p.Quality,
		Style:   p.Style,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON: %w", err)
	}

	body, status, err := c.post(ctx, GeneratePath, payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("API response", "status", status, "bytes", len(body))

	data, err := parseGenerateResponse(body)
	if err != nil {
		if status >= 300 {
			return nil, fmt.Errorf("%w (status %d)", err, status)
		}
		return nil, err
	}

	ref, err := referenceFrom(data)
	if err != nil {
		return nil, err
	}

	created := c.now()
	if data.Created > 0 {
		created = time.Unix(data.Created, 0)
	}
	img := image.NewGeneratedImage(ref, prompt, created)
	img.Model = data.Model
	img.Size = data.Size
	img.Quality = data.Quality
	img.Style = data.Style
	img.RevisedPrompt = data.RevisedPrompt
	return img, nil
}

// FetchViaProxy asks the backend to fetch imageURL on our behalf.
func (c *Client) FetchViaProxy(ctx context.Context, imageURL string) ([]byte, string, error) {
	payload, err := json.Marshal(ProxyRequest{ImageURL: imageURL})
	if err != nil {
		return nil, "", fmt.Errorf("error marshaling JSON: %w", err)
	}
	req, err := c.newRequest(ctx, ProxyPath, payload)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "image/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("download proxy returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: error reading proxy response: %v", ErrNetworkFailure, err)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

func (c *Client) newRequest(ctx context.Context, path string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, int, error) {
	req, err := c.newRequest(ctx, path, payload)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: error reading response: %v", ErrNetworkFailure, err)
	}
	return body, resp.StatusCode, nil
}

func parseGenerateResponse(body []byte) (*ImageData, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidResponseShape)
	}
	res := gjson.ParseBytes(body)
	if !res.Get("success").Bool() {
		reason := res.Get("error").String()
		if reason == "" {
			reason = "generation failed"
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponseShape, reason)
	}
	data := res.Get("data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidResponseShape)
	}
	if data.Get("url").String() == "" && data.Get("b64_json").String() == "" {
		return nil, fmt.Errorf("%w: missing data.url", ErrInvalidResponseShape)
	}

	var out ImageData
	if err := json.Unmarshal([]byte(data.Raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseShape, err)
	}
	return &out, nil
}

// referenceFrom honours an explicit kind tag and otherwise goes by which
// field the backend filled.
func referenceFrom(d *ImageData) (image.Reference, error) {
	kind := image.KindURL
	switch {
	case d.Kind != "":
		k, err := image.ParseKind(d.Kind)
		if err != nil {
			return image.Reference{}, fmt.Errorf("%w: %v", ErrInvalidResponseShape, err)
		}
		kind = k
	case d.URL == "":
		kind = image.KindEmbedded
	}

	switch kind {
	case image.KindEmbedded:
		if d.B64JSON == "" {
			return image.Reference{}, fmt.Errorf("%w: embedded image without b64_json", ErrInvalidResponseShape)
		}
		return image.Embedded(d.B64JSON, d.MIMEType), nil
	default:
		ref, err := image.URL(d.URL)
		if err != nil {
			return image.Reference{}, fmt.Errorf("%w: %v", ErrInvalidResponseShape, err)
		}
		return ref, nil
	}
}
