package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/imagine/internal/api"
	"github.com/blacktop/imagine/internal/config"
	"github.com/blacktop/imagine/internal/download"
	"github.com/blacktop/imagine/internal/image"
	"github.com/blacktop/imagine/internal/session"
	tea "github.com/charmbracelet/bubbletea"
)

func testDeps(t *testing.T) (*clientDeps, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		APIBaseURL:   "http://127.0.0.1:1",
		Model:        "dall-e-3",
		Size:         "1024x1024",
		Quality:      "standard",
		Style:        "vivid",
		Display:      "auto",
		OutputFolder: t.TempDir(),
	}
	deps, err := newClientDeps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(deps.Close)
	return deps, cfg
}

func TestEvalModelBlankPrompt(t *testing.T) {
	deps, cfg := testDeps(t)
	m := newEvalModel(deps, cfg, "")
	m.textInput.SetValue("   ")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	em := next.(evalModel)
	if cmd != nil {
		t.Error("blank prompt produced a command")
	}
	if em.generating || !em.inputMode {
		t.Errorf("model state changed: generating=%v inputMode=%v", em.generating, em.inputMode)
	}
	if em.session.State() != session.Idle {
		t.Errorf("session state = %s, want idle", em.session.State())
	}
}

func TestEvalModelKeepsPromptOnError(t *testing.T) {
	deps, cfg := testDeps(t)
	m := newEvalModel(deps, cfg, "")
	m.textInput.SetValue("koi")
	m.inputMode = false
	m.generating = true

	next, _ := m.Update(generateErrMsg{fmt.Errorf("%w: dial tcp", api.ErrNetworkFailure)})
	em := next.(evalModel)
	if em.generating || !em.inputMode {
		t.Error("model did not return to input mode")
	}
	if em.textInput.Value() != "koi" {
		t.Errorf("prompt = %q, want it kept", em.textInput.Value())
	}
	if !strings.HasPrefix(em.status, "Could not reach") {
		t.Errorf("status = %q", em.status)
	}
}

func TestEvalModelSaved(t *testing.T) {
	deps, cfg := testDeps(t)
	m := newEvalModel(deps, cfg, "")
	m.inputMode = false

	next, _ := m.Update(savedMsg{download.Result{Success: true, Filename: "/tmp/koi-1.png", Method: download.MethodDirect}})
	em := next.(evalModel)
	if em.saved != "/tmp/koi-1.png" || !em.inputMode {
		t.Errorf("saved = %q, inputMode = %v", em.saved, em.inputMode)
	}

	next, _ = em.Update(savedMsg{download.Result{Success: true, Filename: "koi-2.png", Method: download.MethodNewTab, Message: "save it manually"}})
	em = next.(evalModel)
	if em.saved != "/tmp/koi-1.png" || em.status != "save it manually" {
		t.Errorf("new-tab result: saved = %q, status = %q", em.saved, em.status)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: timeout", api.ErrNetworkFailure), "Could not reach"},
		{fmt.Errorf("%w: missing data", api.ErrInvalidResponseShape), "Image generation failed"},
		{image.ErrMalformedPayload, "could not be decoded"},
		{fmt.Errorf("%w: no browser", download.ErrSaveBlocked), "save it manually"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		if got := userMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("userMessage(%v) = %q, want to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestRenderHistory(t *testing.T) {
	ref, err := image.URL("https://cdn.example.com/koi.png")
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewGeneratedImage(ref, "koi", time.Unix(0, 0))
	entries := []session.Entry{
		{ID: "1", Role: session.RoleUser, Text: "koi"},
		{ID: "2", Role: session.RoleAssistant, Text: "koi", Image: img, Display: &image.Displayable{Reference: ref}},
		{ID: "3", Role: session.RoleError, Text: "rate limited"},
	}
	out := renderHistory(entries, 1, 0)
	for _, want := range []string{"koi", "https://cdn.example.com/koi.png", "pending", "rate limited", "> "} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestChatSelection(t *testing.T) {
	img := image.NewGeneratedImage(image.Reference{Kind: image.KindURL, URL: "https://x/a.png"}, "a", time.Now())
	m := chatModel{
		selected: -1,
		entries: []session.Entry{
			{Role: session.RoleUser, Text: "a"},
			{Role: session.RoleAssistant, Image: img},
			{Role: session.RoleError, Text: "nope"},
		},
	}
	m.moveSelection(1)
	if m.selected != 1 {
		t.Fatalf("selected = %d, want 1", m.selected)
	}
	m.moveSelection(1)
	if m.selected != 1 {
		t.Errorf("selected moved past the last image to %d", m.selected)
	}
	if _, ok := m.selectedEntry(); !ok {
		t.Error("selectedEntry() found nothing")
	}
}

func TestInlineProtocols(t *testing.T) {
	raw := []byte("png")
	if got := displayKittyImage(raw); !strings.HasPrefix(got, "\033_Ga=T,f=100;cG5n") {
		t.Errorf("kitty = %q", got)
	}
	if got := displayITermImage(raw); !strings.Contains(got, "size=3;") {
		t.Errorf("iterm = %q", got)
	}
}

type stubGenerator struct {
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, prompt string, p api.Params) (*image.GeneratedImage, error) {
	g.calls++
	return image.NewGeneratedImage(image.Reference{Kind: image.KindURL, URL: "https://cdn.example.com/koi.png"}, prompt, time.Unix(0, 0)), nil
}

func TestEvalModelLocksButtonsWhileSaving(t *testing.T) {
	deps, cfg := testDeps(t)
	gen := &stubGenerator{}
	m := newEvalModel(deps, cfg, "")
	m.session = session.New(gen, cfg.Params(), deps.mat)
	if _, err := m.session.Submit(context.Background(), "koi"); err != nil {
		t.Fatal(err)
	}
	m.inputMode = false
	m.buttonMode = buttonDownload

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	em := next.(evalModel)
	if cmd == nil || !em.saving {
		t.Fatalf("download did not start: saving=%v cmd=%v", em.saving, cmd != nil)
	}

	next, _ = em.Update(tea.KeyMsg{Type: tea.KeyTab})
	em = next.(evalModel)
	if em.buttonMode != buttonDownload {
		t.Errorf("tab moved selection to %d while saving", em.buttonMode)
	}

	em.buttonMode = buttonRegenerate
	next, cmd = em.Update(tea.KeyMsg{Type: tea.KeyEnter})
	em = next.(evalModel)
	if cmd != nil || em.generating || em.inputMode {
		t.Errorf("enter acted while saving: generating=%v inputMode=%v", em.generating, em.inputMode)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}

	next, _ = em.Update(savedMsg{download.Result{Success: true, Filename: "koi.png", Method: download.MethodDirect}})
	em = next.(evalModel)
	if em.saving || !em.inputMode {
		t.Errorf("after save: saving=%v inputMode=%v", em.saving, em.inputMode)
	}
}

func TestEvalModelSaveFailureAllowsRetry(t *testing.T) {
	deps, cfg := testDeps(t)
	m := newEvalModel(deps, cfg, "")
	m.inputMode = false
	m.saving = true

	next, _ := m.Update(savedMsg{download.Result{Err: fmt.Errorf("%w: no browser", download.ErrSaveBlocked)}})
	em := next.(evalModel)
	if em.saving || em.inputMode {
		t.Errorf("after failed save: saving=%v inputMode=%v, want buttons active", em.saving, em.inputMode)
	}
}

func TestCommandTree(t *testing.T) {
	want := map[string]bool{"chat": false, "generate": false, "serve": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if serveCmd.Flags().Lookup("mock") == nil || generateCmd.Flags().Lookup("ref") == nil {
		t.Error("subcommand flags missing")
	}
}
