package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	stdimage "image"
	"image/color"
	"image/png"
	"time"

	"github.com/blacktop/imagine/internal/api"
	"github.com/sashabaranov/go-openai"
)

// Generator turns a generate request into image data.
type Generator interface {
	Generate(ctx context.Context, req api.GenerateRequest) (*api.ImageData, error)
}

// OpenAIGenerator backs the generate endpoint with the OpenAI images API.
type OpenAIGenerator struct {
	client *openai.Client
	format string
}

// NewOpenAIGenerator validates settings and builds the OpenAI client.
// format is "url" or "b64_json".
func NewOpenAIGenerator(apiKey, baseURL, format string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY")
	}
	switch format {
	case "":
		format = openai.CreateImageResponseFormatURL
	case openai.CreateImageResponseFormatURL, openai.CreateImageResponseFormatB64JSON:
	default:
		return nil, fmt.Errorf("invalid response format %q (must be url or b64_json)", format)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		format: format,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req api.GenerateRequest) (*api.ImageData, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: g.format,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: empty image data")
	}

	out := &api.ImageData{
		Created:       resp.Created,
		Model:         req.Model,
		Size:          req.Size,
		Quality:       req.Quality,
		Style:         req.Style,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}
	if g.format == openai.CreateImageResponseFormatB64JSON {
		out.Kind = "embedded"
		out.B64JSON = resp.Data[0].B64JSON
		out.MIMEType = "image/png"
	} else {
		out.Kind = "url"
		out.URL = resp.Data[0].URL
	}
	return out, nil
}

// MockGenerator returns a small embedded gradient without calling any
// external service.
type MockGenerator struct {
	Now func() time.Time
}

func (m MockGenerator) Generate(_ context.Context, req api.GenerateRequest) (*api.ImageData, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	const size = 64
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, size, size))
	seed := uint8(len(req.Prompt) * 37)
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), seed, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("mock: %w", err)
	}
	return &api.ImageData{
		Kind:     "embedded",
		B64JSON:  base64.StdEncoding.EncodeToString(buf.Bytes()),
		MIMEType: "image/png",
		Created:  now().Unix(),
		Model:    req.Model,
		Size:     req.Size,
		Quality:  req.Quality,
		Style:    req.Style,
	}, nil
}
