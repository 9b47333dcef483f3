package image

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var (
	// ErrReleased is returned when a released local reference is read.
	ErrReleased = errors.New("local image reference already released")
	// ErrClosed is returned when a closed Materializer is asked for a new reference.
	ErrClosed = errors.New("materializer closed")
)

// FetchFunc retrieves the bytes behind a remote URL.
type FetchFunc func(ctx context.Context, url string) ([]byte, string, error)

// Local is a temp file holding decoded image bytes. It must be released
// exactly once; further releases are no-ops.
type Local struct {
	path     string
	mimeType string
	size     int
	owner    *Materializer
	once     sync.Once
	released atomic.Bool
}

func (l *Local) Path() string     { return l.path }
func (l *Local) MIMEType() string { return l.mimeType }
func (l *Local) Size() int        { return l.size }
func (l *Local) Released() bool   { return l.released.Load() }

// URL is the file:// form of the local reference.
func (l *Local) URL() string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(l.path)}).String()
}

// ReadAll returns the bytes behind the reference.
func (l *Local) ReadAll() ([]byte, error) {
	if l.Released() {
		return nil, ErrReleased
	}
	return os.ReadFile(l.path)
}

// Release removes the backing file.
func (l *Local) Release() error {
	var err error
	l.once.Do(func() {
		l.released.Store(true)
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = fmt.Errorf("failed to release %s: %w", l.path, rerr)
		}
		if l.owner != nil {
			l.owner.forget(l)
		}
	})
	return err
}

// Displayable is what the UI renders. URL references stay remote until
// Localize is called; embedded references always have a Local.
type Displayable struct {
	Reference Reference
	Local     *Local
}

// Target is the string a renderer or browser can open.
func (d *Displayable) Target() string {
	if d == nil {
		return ""
	}
	if d.Local != nil && !d.Local.Released() {
		return d.Local.URL()
	}
	if d.Reference.Kind == KindURL {
		return d.Reference.URL
	}
	return ""
}

// Release frees the local reference if there is one. Safe on nil.
func (d *Displayable) Release() error {
	if d == nil || d.Local == nil {
		return nil
	}
	return d.Local.Release()
}

// Materializer turns references into displayables and tracks every live
// local reference it has handed out.
type Materializer struct {
	dir    string
	mu     sync.Mutex
	live   map[*Local]struct{}
	closed bool
}

// NewMaterializer creates a private scratch directory under parent
// (os.TempDir when empty).
func NewMaterializer(parent string) (*Materializer, error) {
	dir, err := os.MkdirTemp(parent, "imagine-refs-*")
	if err != nil {
		return nil, fmt.Errorf("error creating scratch directory: %w", err)
	}
	return &Materializer{
		dir:  dir,
		live: make(map[*Local]struct{}),
	}, nil
}

func (m *Materializer) Dir() string { return m.dir }

// Live is the number of unreleased local references.
func (m *Materializer) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Materialize converts ref into something displayable. A malformed payload
// yields a nil Displayable and ErrMalformedPayload.
func (m *Materializer) Materialize(ref Reference) (*Displayable, error) {
	if ref.IsZero() {
		return nil, ErrEmptyReference
	}
	switch ref.Kind {
	case KindURL:
		return &Displayable{Reference: ref}, nil
	case KindEmbedded:
		raw, err := ref.Decode()
		if err != nil {
			return nil, err
		}
		local, err := m.FromBytes(raw, ref.MIMEType)
		if err != nil {
			return nil, err
		}
		return &Displayable{Reference: ref, Local: local}, nil
	default:
		return nil, fmt.Errorf("unsupported reference kind %s", ref.Kind)
	}
}

// Localize fetches a remote displayable into a local reference so it can be
// rendered in the terminal. It is a no-op when d already has one.
func (m *Materializer) Localize(ctx context.Context, d *Displayable, fetch FetchFunc) error {
	if d == nil {
		return ErrEmptyReference
	}
	if d.Local != nil {
		return nil
	}
	if d.Reference.Kind != KindURL {
		return fmt.Errorf("cannot localize %s reference", d.Reference.Kind)
	}
	raw, mimeType, err := fetch(ctx, d.Reference.URL)
	if err != nil {
		return fmt.Errorf("error fetching preview: %w", err)
	}
	local, err := m.FromBytes(raw, mimeType)
	if err != nil {
		return err
	}
	d.Local = local
	return nil
}

// FromBytes writes raw into a new local reference owned by m.
func (m *Materializer) FromBytes(raw []byte, mimeType string) (*Local, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no image data", ErrMalformedPayload)
	}
	if mimeType == "" {
		mimeType = defaultMIMEType
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	f, err := os.CreateTemp(m.dir, "ref-*"+extensionFor(mimeType))
	if err != nil {
		return nil, fmt.Errorf("error creating local reference: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("error writing local reference: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("error writing local reference: %w", err)
	}

	local := &Local{
		path:     f.Name(),
		mimeType: mimeType,
		size:     len(raw),
		owner:    m,
	}
	m.live[local] = struct{}{}
	return local, nil
}

func (m *Materializer) forget(l *Local) {
	m.mu.Lock()
	delete(m.live, l)
	m.mu.Unlock()
}

// Close releases every live reference and removes the scratch directory.
func (m *Materializer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*Local, 0, len(m.live))
	for l := range m.live {
		live = append(live, l)
	}
	m.mu.Unlock()

	var errs []error
	for _, l := range live {
		if err := l.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(m.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// Slot holds at most one displayable and releases it when replaced or
// cleared. It is safe for concurrent use.
type Slot struct {
	mu      sync.Mutex
	current *Displayable
}

// Replace stores d and releases whatever was there before.
func (s *Slot) Replace(d *Displayable) error {
	s.mu.Lock()
	prev := s.current
	s.current = d
	s.mu.Unlock()
	if prev == d {
		return nil
	}
	return prev.Release()
}

func (s *Slot) Get() *Displayable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Clear releases the held displayable.
func (s *Slot) Clear() error {
	return s.Replace(nil)
}
