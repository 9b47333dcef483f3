package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blacktop/imagine/internal/api"
	"github.com/blacktop/imagine/internal/image"
)

var (
	ErrEmptyPrompt    = errors.New("prompt is empty")
	ErrBusy           = errors.New("a generation is already in progress")
	ErrNothingPending = errors.New("no image awaiting approval")
)

// Generator produces an image for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, p api.Params) (*image.GeneratedImage, error)
}

// State of a single-image Session.
type State int

const (
	Idle State = iota
	Submitting
	AwaitingApproval
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case AwaitingApproval:
		return "awaiting approval"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session evaluates one image at a time:
//
//	Idle -> Submitting -> AwaitingApproval -> Idle
//
// Submissions are rejected outside Idle.
type Session struct {
	gen    Generator
	params api.Params
	mat    *image.Materializer

	mu         sync.Mutex
	state      State
	current    *image.GeneratedImage
	lastPrompt string
	shown      image.Slot
}

func New(gen Generator, params api.Params, mat *image.Materializer) *Session {
	return &Session{gen: gen, params: params, mat: mat}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current is the image under evaluation, or the last decided one.
func (s *Session) Current() *image.GeneratedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

// Submit sends prompt for generation. A blank prompt is ErrEmptyPrompt and
// makes no call.
func (s *Session) Submit(ctx context.Context, prompt string) (*image.GeneratedImage, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrBusy, state)
	}
	s.state = Submitting
	s.lastPrompt = prompt
	s.mu.Unlock()

	img, err := s.gen.Generate(ctx, prompt, s.params)
	if err != nil {
		s.setState(Idle)
		return nil, err
	}

	disp, err := s.mat.Materialize(img.Reference)
	if err != nil {
		s.setState(Idle)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shown.Replace(disp); err != nil {
		disp.Release()
		s.state = Idle
		return nil, err
	}
	s.current = img
	s.state = AwaitingApproval
	return img, nil
}

// Approve accepts the image under evaluation. It stays displayed until
// the next submission replaces it.
func (s *Session) Approve() (*image.GeneratedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingApproval {
		return nil, ErrNothingPending
	}
	if err := s.current.Approve(); err != nil {
		return nil, err
	}
	s.state = Idle
	return s.current, nil
}

// Discard rejects the image under evaluation and releases its display.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingApproval {
		return ErrNothingPending
	}
	if err := s.current.Reject(); err != nil {
		return err
	}
	s.state = Idle
	return s.shown.Clear()
}

// Regenerate discards the pending image and submits the same prompt again.
func (s *Session) Regenerate(ctx context.Context) (*image.GeneratedImage, error) {
	if err := s.Discard(); err != nil {
		return nil, err
	}
	return s.Submit(ctx, s.LastPrompt())
}

// Target is the URL or file:// reference currently displayed.
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown.Get().Target()
}

// Preview makes the current display renderable locally, fetching it when
// it is a remote URL. The fetch runs without holding the session lock.
func (s *Session) Preview(ctx context.Context, fetch image.FetchFunc) (*image.Local, error) {
	s.mu.Lock()
	disp := s.shown.Get()
	var local *image.Local
	if disp != nil {
		local = disp.Local
	}
	s.mu.Unlock()
	if disp == nil {
		return nil, ErrNothingPending
	}
	if local != nil {
		return local, nil
	}

	staged := &image.Displayable{Reference: disp.Reference}
	if err := s.mat.Localize(ctx, staged, fetch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shown.Get() != disp {
		// replaced while fetching
		staged.Release()
		return nil, ErrNothingPending
	}
	if disp.Local != nil {
		staged.Release()
		return disp.Local, nil
	}
	disp.Local = staged.Local
	return disp.Local, nil
}

// Close releases whatever is displayed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown.Clear()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
