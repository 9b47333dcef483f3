package image

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	"image/color"
	"image/png"
	"os"
	"testing"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	m, err := NewMaterializer(t.TempDir())
	if err != nil {
		t.Fatalf("NewMaterializer() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 60), uint8(y * 80), 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestMaterializeURL(t *testing.T) {
	m := newTestMaterializer(t)
	ref, _ := URL("https://x/img.png")

	d, err := m.Materialize(ref)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if d.Target() != "https://x/img.png" {
		t.Errorf("Target() = %q, want the url itself", d.Target())
	}
	if d.Local != nil || m.Live() != 0 {
		t.Errorf("url reference created a local reference")
	}
	if err := d.Release(); err != nil {
		t.Errorf("Release() on url displayable error = %v", err)
	}
}

func TestMaterializeRoundTrip(t *testing.T) {
	m := newTestMaterializer(t)
	raw := testPNG(t)

	d, err := m.Materialize(Encode(raw, "image/png"))
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if m.Live() != 1 {
		t.Fatalf("Live() = %d, want 1", m.Live())
	}

	got, err := d.Local.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want, _ := png.Decode(bytes.NewReader(raw))
	decoded, err := png.Decode(bytes.NewReader(got))
	if err != nil {
		t.Fatalf("materialized bytes are not a png: %v", err)
	}
	if decoded.Bounds() != want.Bounds() {
		t.Fatalf("bounds = %v, want %v", decoded.Bounds(), want.Bounds())
	}
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			if decoded.At(x, y) != want.At(x, y) {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, decoded.At(x, y), want.At(x, y))
			}
		}
	}
}

func TestMaterializeMalformed(t *testing.T) {
	m := newTestMaterializer(t)
	d, err := m.Materialize(Embedded("%%%not-base64%%%", "image/png"))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("Materialize() error = %v, want ErrMalformedPayload", err)
	}
	if d != nil {
		t.Errorf("Materialize() returned a displayable for a malformed payload")
	}
	if m.Live() != 0 {
		t.Errorf("Live() = %d after failed materialize", m.Live())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestMaterializer(t)
	d, err := m.Materialize(Encode(testPNG(t), "image/png"))
	if err != nil {
		t.Fatal(err)
	}
	path := d.Local.Path()

	if err := d.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := d.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("backing file still exists after release")
	}
	if _, err := d.Local.ReadAll(); !errors.Is(err, ErrReleased) {
		t.Errorf("ReadAll() after release error = %v, want ErrReleased", err)
	}
	if d.Target() != "" {
		t.Errorf("Target() after release = %q, want empty", d.Target())
	}
	if m.Live() != 0 {
		t.Errorf("Live() = %d, want 0", m.Live())
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	m, err := NewMaterializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var locals []*Local
	for i := 0; i < 3; i++ {
		l, err := m.FromBytes([]byte{1, 2, 3}, "image/jpeg")
		if err != nil {
			t.Fatal(err)
		}
		locals = append(locals, l)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, l := range locals {
		if !l.Released() {
			t.Errorf("%s not released by Close", l.Path())
		}
	}
	if _, err := os.Stat(m.Dir()); !os.IsNotExist(err) {
		t.Errorf("scratch directory survived Close")
	}
	if _, err := m.FromBytes([]byte{1}, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("FromBytes() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLocalize(t *testing.T) {
	m := newTestMaterializer(t)
	ref, _ := URL("https://x/img.png")
	d, _ := m.Materialize(ref)

	calls := 0
	fetch := func(_ context.Context, url string) ([]byte, string, error) {
		calls++
		if url != "https://x/img.png" {
			t.Errorf("fetch url = %q", url)
		}
		return []byte("png-bytes"), "image/png", nil
	}
	if err := m.Localize(context.Background(), d, fetch); err != nil {
		t.Fatalf("Localize() error = %v", err)
	}
	if err := m.Localize(context.Background(), d, fetch); err != nil {
		t.Fatalf("second Localize() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
	if d.Local == nil || m.Live() != 1 {
		t.Fatalf("Localize() did not create a local reference")
	}

	failing := func(context.Context, string) ([]byte, string, error) {
		return nil, "", errors.New("blocked")
	}
	other, _ := m.Materialize(ref)
	if err := m.Localize(context.Background(), other, failing); err == nil {
		t.Error("Localize() with failing fetch returned nil error")
	}
}

func TestSlot(t *testing.T) {
	m := newTestMaterializer(t)
	first, _ := m.Materialize(Encode([]byte{1}, "image/png"))
	second, _ := m.Materialize(Encode([]byte{2}, "image/png"))

	var s Slot
	if err := s.Replace(first); err != nil {
		t.Fatal(err)
	}
	if err := s.Replace(second); err != nil {
		t.Fatal(err)
	}
	if !first.Local.Released() {
		t.Error("Replace() did not release the previous displayable")
	}
	if s.Get() != second {
		t.Error("Get() did not return the current displayable")
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if !second.Local.Released() || s.Get() != nil {
		t.Error("Clear() did not release the current displayable")
	}
	if m.Live() != 0 {
		t.Errorf("Live() = %d, want 0", m.Live())
	}
}
