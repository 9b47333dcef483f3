package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/blacktop/imagine/internal/image"
	"github.com/charmbracelet/log"
	"github.com/pkg/browser"
)

var (
	// ErrFetchRejected means the direct fetch of a remote image failed
	// (transport error or non-2xx). It is recovered locally and never
	// surfaced on its own.
	ErrFetchRejected = errors.New("image fetch rejected")
	// ErrSaveBlocked means neither saving nor opening in the browser worked.
	ErrSaveBlocked = errors.New("save blocked")
)

// Method is how a download was completed.
type Method string

const (
	MethodDirect Method = "direct"
	MethodProxy  Method = "proxy"
	MethodNewTab Method = "new-tab"
)

// Result reports the outcome of a download. On success Filename is the
// path written, or the suggested name when the image was opened in a tab.
type Result struct {
	Success  bool
	Filename string
	Method   Method
	Message  string
	Err      error
}

// Fetcher retrieves the bytes behind a remote URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Proxy fetches a URL through the backend download proxy.
type Proxy interface {
	FetchViaProxy(ctx context.Context, url string) ([]byte, string, error)
}

// Opener shows a URL to the user for a manual save.
type Opener func(url string) error

// ProgressFunc returns a writer that is fed the bytes as they are saved.
type ProgressFunc func(total int64, description string) io.Writer

// Dispatcher saves images to the local filesystem.
type Dispatcher struct {
	dir      string
	fetcher  Fetcher
	proxy    Proxy
	open     Opener
	progress ProgressFunc
	now      func() time.Time
	logger   *log.Logger
}

type Option func(*Dispatcher)

func WithFetcher(f Fetcher) Option { return func(d *Dispatcher) { d.fetcher = f } }

// WithProxy enables the backend proxy as the first fallback.
func WithProxy(p Proxy) Option { return func(d *Dispatcher) { d.proxy = p } }

func WithOpener(o Opener) Option { return func(d *Dispatcher) { d.open = o } }

func WithProgress(p ProgressFunc) Option { return func(d *Dispatcher) { d.progress = p } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithLogger(l *log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New returns a Dispatcher writing into dir (the working directory when empty).
func New(dir string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:     dir,
		fetcher: NewHTTPFetcher(nil),
		open:    browser.OpenURL,
		now:     time.Now,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DownloadImage saves img under its prompt-derived filename.
func (d *Dispatcher) DownloadImage(ctx context.Context, img *image.GeneratedImage) Result {
	if img == nil {
		return failure("", image.ErrEmptyReference)
	}
	return d.Download(ctx, img.Reference, img.Filename())
}

// Download saves ref as filename. A rejected fetch falls back to the proxy
// and then to opening the URL for a manual save.
func (d *Dispatcher) Download(ctx context.Context, ref image.Reference, filename string) Result {
	if ref.IsZero() {
		return failure(filename, image.ErrEmptyReference)
	}
	if filename == "" {
		filename = image.GenerateFilename("", d.now())
	}

	var raw []byte
	switch ref.Kind {
	case image.KindEmbedded:
		decoded, err := ref.Decode()
		if err != nil {
			return failure(filename, err)
		}
		raw = decoded
	case image.KindURL:
		d.logger.Debug("Downloading image", "url", ref.URL)
		fetched, _, err := d.fetcher.Fetch(ctx, ref.URL)
		if err != nil {
			d.logger.Warn("Direct fetch failed, falling back", "err", err)
			return d.fallback(ctx, ref.URL, filename, err)
		}
		raw = fetched
	default:
		return failure(filename, fmt.Errorf("unsupported reference kind %s", ref.Kind))
	}

	return d.save(raw, filename, MethodDirect)
}

func (d *Dispatcher) fallback(ctx context.Context, url, filename string, fetchErr error) Result {
	if d.proxy != nil {
		raw, _, err := d.proxy.FetchViaProxy(ctx, url)
		if err == nil {
			return d.save(raw, filename, MethodProxy)
		}
		d.logger.Warn("Download proxy failed", "err", err)
	}

	if d.open == nil {
		return failure(filename, fmt.Errorf("%w: no way to open %s: %v", ErrSaveBlocked, url, fetchErr))
	}
	if err := d.open(url); err != nil {
		return failure(filename, fmt.Errorf("%w: %v (fetch: %v)", ErrSaveBlocked, err, fetchErr))
	}
	d.logger.Info("Image opened in browser", "url", url)
	return Result{
		Success:  true,
		Filename: filename,
		Method:   MethodNewTab,
		Message:  "Image opened in your browser. Save it manually as " + filename,
	}
}

// save writes raw through an ephemeral temp file that is renamed into place,
// so a failed save never leaves a partial file behind.
func (d *Dispatcher) save(raw []byte, filename string, method Method) Result {
	dir := d.dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure(filename, fmt.Errorf("error creating output folder: %w", err))
	}
	dest := filepath.Join(dir, filepath.Base(filename))

	tmp, err := os.CreateTemp(dir, ".imagine-download-*")
	if err != nil {
		return failure(filename, fmt.Errorf("error saving image: %w", err))
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if d.progress != nil {
		w = io.MultiWriter(tmp, d.progress(int64(len(raw)), filepath.Base(dest)))
	}
	if _, err := w.Write(raw); err != nil {
		tmp.Close()
		return failure(filename, fmt.Errorf("error saving image: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return failure(filename, fmt.Errorf("error saving image: %w", err))
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return failure(filename, fmt.Errorf("error saving image: %w", err))
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return failure(filename, fmt.Errorf("error saving image: %w", err))
	}

	d.logger.Debug("Image saved", "path", dest, "method", method)
	return Result{Success: true, Filename: dest, Method: method}
}

func failure(filename string, err error) Result {
	return Result{Success: false, Filename: filename, Err: err, Message: err.Error()}
}

// HTTPFetcher fetches images with a plain GET.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher uses http.DefaultClient when hc is nil.
func NewHTTPFetcher(hc *http.Client) *HTTPFetcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPFetcher{client: hc}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchRejected, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchRejected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s", ErrFetchRejected, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: error reading image data: %v", ErrFetchRejected, err)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}
