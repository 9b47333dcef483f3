package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/imagine/internal/api"
	"github.com/blacktop/imagine/internal/image"
	"github.com/google/uuid"
)

var ErrUnknownEntry = errors.New("no such conversation entry")

type Role int

const (
	RoleUser Role = iota
	RoleAssistant
	RoleError
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleError:
		return "error"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Entry is one line of the conversation: a prompt, a generated image, or
// an error explaining why a prompt produced nothing.
type Entry struct {
	ID      string
	Role    Role
	Text    string
	Image   *image.GeneratedImage
	Display *image.Displayable
	At      time.Time
}

// Pending reports whether the entry holds an image still awaiting a decision.
func (e Entry) Pending() bool {
	return e.Image != nil && e.Image.State == image.Pending
}

// Conversation is the chat variant: an append-only history where every
// pending image can be approved on its own. Only one generation may be in
// flight at a time.
type Conversation struct {
	gen    Generator
	params api.Params
	mat    *image.Materializer
	now    func() time.Time

	mu      sync.Mutex
	entries []*Entry
	busy    bool
}

func NewConversation(gen Generator, params api.Params, mat *image.Materializer) *Conversation {
	return &Conversation{
		gen:    gen,
		params: params,
		mat:    mat,
		now:    time.Now,
	}
}

func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Send appends the prompt and then either the generated image or an error
// entry. A blank prompt appends nothing and makes no call.
func (c *Conversation) Send(ctx context.Context, prompt string) (Entry, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Entry{}, ErrEmptyPrompt
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Entry{}, ErrBusy
	}
	c.busy = true
	c.appendLocked(&Entry{Role: RoleUser, Text: prompt})
	c.mu.Unlock()

	img, err := c.gen.Generate(ctx, prompt, c.params)
	var disp *image.Displayable
	if err == nil {
		disp, err = c.mat.Materialize(img.Reference)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		e := c.appendLocked(&Entry{Role: RoleError, Text: err.Error()})
		return *e, err
	}
	e := c.appendLocked(&Entry{
		Role:    RoleAssistant,
		Text:    prompt,
		Image:   img,
		Display: disp,
	})
	return *e, nil
}

// Approve moves a single entry's image to approved.
func (c *Conversation) Approve(id string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.findLocked(id)
	if e == nil || e.Image == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if err := e.Image.Approve(); err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// Entries is a snapshot of the history in order. Images are copied so the
// caller cannot mutate approval state behind the conversation's back.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		if e.Image != nil {
			img := *e.Image
			cp.Image = &img
		}
		out = append(out, cp)
	}
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the display of every entry. Entries themselves remain.
func (c *Conversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, e := range c.entries {
		if err := e.Display.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Conversation) appendLocked(e *Entry) *Entry {
	e.ID = uuid.NewString()
	e.At = c.now()
	c.entries = append(c.entries, e)
	return e
}

func (c *Conversation) findLocked(id string) *Entry {
	for _, e := range c.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
