package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/imagine/internal/image"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithToken("secret"))
}

func TestGenerateURL(t *testing.T) {
	var got GenerateRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != GeneratePath {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, `{"success":true,"data":{"url":"https://x/img.png","created":1700000000,"model":"dall-e-3","size":"1024x1024","quality":"standard","style":"vivid"}}`)
	})

	img, err := c.Generate(context.Background(), "Oriental dragon", Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Prompt != "Oriental dragon" || got.Model != "dall-e-3" || got.Size != "1024x1024" || got.Quality != "standard" || got.Style != "vivid" {
		t.Errorf("request body = %+v", got)
	}
	if img.State != image.Pending {
		t.Errorf("State = %s, want pending", img.State)
	}
	if img.Reference.Kind != image.KindURL || img.Reference.URL != "https://x/img.png" {
		t.Errorf("Reference = %+v", img.Reference)
	}
	if !img.Created.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Created = %v", img.Created)
	}
	if img.Model != "dall-e-3" {
		t.Errorf("Model = %q", img.Model)
	}
}

func TestGenerateEmbedded(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":{"kind":"embedded","b64_json":"AAEC","mime_type":"image/webp"}}`)
	})
	img, err := c.Generate(context.Background(), "koi", DefaultParams())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.Reference.Kind != image.KindEmbedded || img.Reference.Data != "AAEC" || img.Reference.MIMEType != "image/webp" {
		t.Errorf("Reference = %+v", img.Reference)
	}
}

func TestGenerateUntaggedEmbedded(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":{"b64_json":"AAEC"}}`)
	})
	img, err := c.Generate(context.Background(), "koi", DefaultParams())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if img.Reference.Kind != image.KindEmbedded || img.Reference.MIMEType != "image/png" {
		t.Errorf("Reference = %+v", img.Reference)
	}
}

func TestGenerateInvalidShape(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"success false", http.StatusOK, `{"success":false}`, "generation failed"},
		{"success false with reason", http.StatusBadGateway, `{"success":false,"error":"content policy"}`, "content policy"},
		{"missing url", http.StatusOK, `{"success":true,"data":{"created":1}}`, "missing data.url"},
		{"missing data", http.StatusOK, `{"success":true}`, "missing data"},
		{"not json", http.StatusOK, `<html>oops</html>`, "not JSON"},
		{"bad url", http.StatusOK, `{"success":true,"data":{"url":"file:///etc/passwd"}}`, "scheme"},
		{"unknown kind", http.StatusOK, `{"success":true,"data":{"kind":"blob","url":"https://x/a.png"}}`, "unknown image kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			img, err := c.Generate(context.Background(), "koi", DefaultParams())
			if !errors.Is(err, ErrInvalidResponseShape) {
				t.Fatalf("Generate() error = %v, want ErrInvalidResponseShape", err)
			}
			if errors.Is(err, ErrNetworkFailure) {
				t.Errorf("shape error also matched ErrNetworkFailure")
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q does not mention %q", err, tt.reason)
			}
			if img != nil {
				t.Errorf("Generate() returned an image alongside an error")
			}
		})
	}
}

func TestGenerateNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Generate(context.Background(), "koi", DefaultParams())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("Generate() error = %v, want ErrNetworkFailure", err)
	}
}

func TestFetchViaProxy(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProxyPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ProxyRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ImageURL != "https://x/img.png" {
			http.Error(w, "bad image url", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})

	raw, mimeType, err := c.FetchViaProxy(context.Background(), "https://x/img.png")
	if err != nil {
		t.Fatalf("FetchViaProxy() error = %v", err)
	}
	if string(raw) != "png-bytes" || mimeType != "image/png" {
		t.Errorf("FetchViaProxy() = %q, %q", raw, mimeType)
	}

	if _, _, err := c.FetchViaProxy(context.Background(), "https://y/other.png"); err == nil || !strings.Contains(err.Error(), "bad image url") {
		t.Errorf("FetchViaProxy() error = %v, want upstream message", err)
	}
}
