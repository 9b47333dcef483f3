package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/imagine/internal/api"
	"github.com/joho/godotenv"
)

var (
	ValidModels          = []string{"dall-e-3", "dall-e-2"}
	ValidSizes           = []string{"1024x1024", "1792x1024", "1024x1792", "512x512", "256x256"}
	ValidQualities       = []string{"standard", "hd"}
	ValidStyles          = []string{"vivid", "natural"}
	ValidResponseFormats = []string{"url", "b64_json"}
	ValidDisplays        = []string{"auto", "kitty", "iterm"}
)

// Config holds all configuration for the client and the backend.
type Config struct {
	APIBaseURL     string
	APIToken       string
	Model          string
	Size           string
	Quality        string
	Style          string
	OutputFolder   string
	UseProxy       bool
	Display        string
	RequestTimeout time.Duration // zero leaves it to the transport

	ListenAddr     string
	ResponseFormat string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
}

// Load reads the given .env files (".env" when none are given; missing
// files are fine) and then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	defaults := api.DefaultParams()
	cfg := &Config{
		APIBaseURL:     getEnv("IMAGINE_API_URL", "http://localhost:8080"),
		APIToken:       os.Getenv("IMAGINE_API_TOKEN"),
		Model:          getEnv("IMAGINE_MODEL", defaults.Model),
		Size:           getEnv("IMAGINE_SIZE", defaults.Size),
		Quality:        getEnv("IMAGINE_QUALITY", defaults.Quality),
		Style:          getEnv("IMAGINE_STYLE", defaults.Style),
		OutputFolder:   os.Getenv("IMAGINE_OUTPUT_DIR"),
		Display:        getEnv("IMAGINE_DISPLAY", "auto"),
		ListenAddr:     getEnv("IMAGINE_LISTEN", "localhost:8080"),
		ResponseFormat: getEnv("IMAGINE_RESPONSE_FORMAT", "url"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
	}

	if v, ok := os.LookupEnv("IMAGINE_USE_PROXY"); ok {
		useProxy, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid IMAGINE_USE_PROXY %q: %w", v, err)
		}
		cfg.UseProxy = useProxy
	} else {
		cfg.UseProxy = true // default value
	}

	if v := os.Getenv("IMAGINE_REQUEST_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("invalid IMAGINE_REQUEST_TIMEOUT %q (seconds)", v)
		}
		cfg.RequestTimeout = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

// Params is the generation parameter set sent with every prompt.
func (c *Config) Params() api.Params {
	return api.Params{
		Model:   c.Model,
		Size:    c.Size,
		Quality: c.Quality,
		Style:   c.Style,
	}
}

// Validate checks the client-side settings.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("IMAGINE_API_URL is required")
	}
	checks := []struct {
		name  string
		value string
		valid []string
	}{
		{"model", c.Model, ValidModels},
		{"size", c.Size, ValidSizes},
		{"quality", c.Quality, ValidQualities},
		{"style", c.Style, ValidStyles},
		{"display", c.Display, ValidDisplays},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.valid, ch.value) {
			return fmt.Errorf("invalid %s %q (must be one of: %s)", ch.name, ch.value, strings.Join(ch.valid, ", "))
		}
	}
	return nil
}

// ValidateServer checks the backend settings. The OpenAI key is only
// required when not running the mock generator.
func (c *Config) ValidateServer(mock bool) error {
	if c.ListenAddr == "" {
		return errors.New("IMAGINE_LISTEN is required")
	}
	if !slices.Contains(ValidResponseFormats, c.ResponseFormat) {
		return fmt.Errorf("invalid response format %q (must be one of: %s)", c.ResponseFormat, strings.Join(ValidResponseFormats, ", "))
	}
	if !mock && c.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
