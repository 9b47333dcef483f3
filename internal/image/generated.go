package image

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotPending is returned when an approval decision is applied twice.
var ErrNotPending = errors.New("image is not pending approval")

// ApprovalState is the user's decision on a generated image.
type ApprovalState int

const (
	Pending ApprovalState = iota
	Approved
	Rejected
)

func (s ApprovalState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("ApprovalState(%d)", int(s))
	}
}

func (s ApprovalState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GeneratedImage is one image produced for one prompt.
type GeneratedImage struct {
	Reference     Reference
	Prompt        string
	Created       time.Time
	Model         string
	Size          string
	Quality       string
	Style         string
	RevisedPrompt string
	State         ApprovalState
}

// NewGeneratedImage returns a pending image.
func NewGeneratedImage(ref Reference, prompt string, created time.Time) *GeneratedImage {
	return &GeneratedImage{
		Reference: ref,
		Prompt:    prompt,
		Created:   created,
		State:     Pending,
	}
}

func (g *GeneratedImage) Approve() error {
	if g.State != Pending {
		return fmt.Errorf("approve: %w (state %s)", ErrNotPending, g.State)
	}
	g.State = Approved
	return nil
}

func (g *GeneratedImage) Reject() error {
	if g.State != Pending {
		return fmt.Errorf("reject: %w (state %s)", ErrNotPending, g.State)
	}
	g.State = Rejected
	return nil
}

// Filename is the download name derived from the prompt and creation time.
func (g *GeneratedImage) Filename() string {
	return GenerateFilename(g.Prompt, g.Created)
}
