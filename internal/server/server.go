package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/imagine/internal/api"
	"github.com/charmbracelet/log"
)

const (
	defaultGenerateTimeout = 120 * time.Second
	defaultMaxProxyBytes   = 32 << 20
)

type Server struct {
	gen           Generator
	httpClient    *http.Client
	logger        *log.Logger
	token         string
	timeout       time.Duration
	maxProxyBytes int64
}

type Option func(*Server)

// WithHTTPClient sets the client used by the download proxy.
func WithHTTPClient(hc *http.Client) Option { return func(s *Server) { s.httpClient = hc } }

func WithLogger(l *log.Logger) Option { return func(s *Server) { s.logger = l } }

// WithToken requires "Authorization: Bearer <token>" on every API call.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

func WithGenerateTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

func WithMaxProxyBytes(n int64) Option { return func(s *Server) { s.maxProxyBytes = n } }

func New(gen Generator, opts ...Option) (*Server, error) {
	if gen == nil {
		return nil, errors.New("image generator required")
	}
	s := &Server{
		gen:           gen,
		httpClient:    http.DefaultClient,
		logger:        log.Default(),
		timeout:       defaultGenerateTimeout,
		maxProxyBytes: defaultMaxProxyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.token == "" {
		s.logger.Warn("No API token set, the generate and download proxy endpoints accept any caller")
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.GeneratePath, s.handleGenerate)
	mux.HandleFunc("POST "+api.ProxyPath, s.handleProxy)
	return s.logMiddleware(s.authMiddleware(mux))
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- Handlers ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.GenerateResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, api.GenerateResponse{Error: "prompt is required"})
		return
	}
	p := api.Params{Model: req.Model, Size: req.Size, Quality: req.Quality, Style: req.Style}.WithDefaults()
	req.Model, req.Size, req.Quality, req.Style = p.Model, p.Size, p.Quality, p.Style

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	data, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Error("Image generation failed", "err", err, "prompt", req.Prompt)
		writeJSON(w, http.StatusBadGateway, api.GenerateResponse{Error: err.Error()})
		return
	}
	if data.Created == 0 {
		data.Created = time.Now().Unix()
	}
	writeJSON(w, http.StatusOK, api.GenerateResponse{Success: true, Data: data})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req api.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.ImageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "imageUrl must be an http(s) url", http.StatusBadRequest)
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	upstream.Header.Set("Accept", "image/*")
	resp, err := s.httpClient.Do(upstream)
	if err != nil {
		s.logger.Warn("Proxy fetch failed", "url", u.String(), "err", err)
		http.Error(w, "error fetching image", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		http.Error(w, fmt.Sprintf("upstream returned %s", resp.Status), http.StatusBadGateway)
		return
	}
	if resp.ContentLength > s.maxProxyBytes {
		http.Error(w, "image too large", http.StatusBadGateway)
		return
	}

	// buffer so an oversized body without Content-Length is rejected
	// before any status goes out
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxProxyBytes+1))
	if err != nil {
		s.logger.Warn("Proxy read interrupted", "url", u.String(), "err", err)
		http.Error(w, "error fetching image", http.StatusBadGateway)
		return
	}
	if int64(len(body)) > s.maxProxyBytes {
		http.Error(w, "image too large", http.StatusBadGateway)
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("Proxy write interrupted", "url", u.String(), "err", err)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, api.GenerateResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
