package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/go-termimg"
	"github.com/blacktop/imagine/internal/config"
	"github.com/blacktop/imagine/internal/download"
	"github.com/blacktop/imagine/internal/image"
	"github.com/blacktop/imagine/internal/session"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	buttonNone = iota
	buttonDownload
	buttonRegenerate
	buttonDiscard
	buttonCount
)

type generatedMsg struct{ img *image.GeneratedImage }

type generateErrMsg struct{ err error }

type previewMsg struct {
	local *image.Local
	err   error
}

type savedMsg struct{ res download.Result }

// evalModel shows one image at a time and asks for a decision on it.
type evalModel struct {
	deps       *clientDeps
	session    *session.Session
	config     *config.Config
	textInput  textinput.Model
	viewport   viewport.Model
	spinner    spinner.Model
	inputMode  bool
	buttonMode int
	generating bool
	saving     bool
	width      int
	height     int
	local      *image.Local
	preview    string
	status     string
	saved      string
	initial    string
}

func newEvalModel(deps *clientDeps, c *config.Config, initialPrompt string) evalModel {
	ti := textinput.New()
	ti.Placeholder = "Describe the image you want"
	ti.CharLimit = 1000
	ti.SetValue(initialPrompt)
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return evalModel{
		deps:      deps,
		session:   session.New(deps.client, c.Params(), deps.mat),
		config:    c,
		textInput: ti,
		viewport:  viewport.New(0, 0),
		spinner:   s,
		inputMode: true,
		initial:   strings.TrimSpace(initialPrompt),
	}
}

func (m evalModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick}
	if m.initial != "" {
		cmds = append(cmds, func() tea.Msg { return tea.KeyMsg{Type: tea.KeyEnter} })
	}
	return tea.Batch(cmds...)
}

func (m evalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = int(float64(m.width) * 0.6)
		m.viewport.Height = m.height
		m.textInput.Width = int(float64(m.width)*0.4) - 4
		m.preview = m.renderPreview()
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.session.Close()
			return m, tea.Quit
		case "q":
			if !m.inputMode && !m.generating && !m.saving {
				m.session.Close()
				return m, tea.Quit
			}
		case "enter":
			if m.generating || m.saving {
				return m, nil
			}
			if m.inputMode {
				p := m.textInput.Value()
				if strings.TrimSpace(p) == "" {
					return m, nil
				}
				m.inputMode = false
				m.generating = true
				m.status = ""
				m.saved = ""
				return m, tea.Batch(generateImage(m.session, p), m.spinner.Tick)
			}
			switch m.buttonMode {
			case buttonDownload:
				logger.Debug("Downloading image")
				img, err := m.session.Approve()
				if errors.Is(err, session.ErrNothingPending) {
					// retry of an approved image whose save failed
					if cur := m.session.Current(); cur != nil && cur.State == image.Approved {
						img, err = cur, nil
					}
				}
				if err != nil {
					m.status = userMessage(err)
					return m, nil
				}
				m.saving = true
				m.status = "Downloading..."
				return m, saveImage(m.deps.dispatcher, img)
			case buttonRegenerate:
				logger.Debug("Regenerating image", "prompt", m.session.LastPrompt())
				m.generating = true
				m.clearPreview()
				return m, tea.Batch(regenerateImage(m.session), m.spinner.Tick)
			case buttonDiscard:
				if err := m.session.Discard(); err != nil && !errors.Is(err, session.ErrNothingPending) {
					m.status = userMessage(err)
				}
				m.clearPreview()
				m.resetInput()
				return m, textinput.Blink
			}
			return m, nil
		case "tab":
			if !m.inputMode && !m.generating && !m.saving {
				m.buttonMode = (m.buttonMode + 1) % buttonCount
				return m, nil
			}
		case "shift+tab":
			if !m.inputMode && !m.generating && !m.saving {
				m.buttonMode = (m.buttonMode + buttonCount - 1) % buttonCount
				return m, nil
			}
		}
	case generatedMsg:
		m.generating = false
		m.buttonMode = buttonDownload
		m.status = ""
		return m, previewImage(m.session, m.deps)
	case generateErrMsg:
		m.generating = false
		// keep the prompt so it can be resubmitted
		m.inputMode = true
		m.textInput.Focus()
		m.status = userMessage(msg.err)
		return m, textinput.Blink
	case previewMsg:
		if msg.err != nil {
			logger.Debug("Preview unavailable", "err", msg.err)
			m.local = nil
			m.status = "Preview unavailable, open " + m.session.Target()
		} else {
			m.local = msg.local
		}
		m.preview = m.renderPreview()
		return m, nil
	case savedMsg:
		m.saving = false
		res := msg.res
		if !res.Success {
			m.status = userMessage(res.Err)
			return m, nil
		}
		if res.Method == download.MethodNewTab {
			m.status = res.Message
		} else {
			m.saved = res.Filename
			m.status = "Image saved: " + res.Filename
		}
		m.resetInput()
		return m, textinput.Blink
	}

	if m.inputMode {
		m.textInput, cmd = m.textInput.Update(msg)
		cmds := []tea.Cmd{cmd}
		m.spinner, cmd = m.spinner.Update(msg)
		return m, tea.Batch(append(cmds, cmd)...)
	}
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m *evalModel) clearPreview() {
	m.local = nil
	m.preview = ""
	m.viewport.SetContent("")
}

func (m *evalModel) resetInput() {
	m.inputMode = true
	m.buttonMode = buttonNone
	m.textInput.Reset()
	m.textInput.Focus()
}

func (m evalModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	if m.generating {
		return lipgloss.NewStyle().MaxWidth(m.width).MaxHeight(m.height).Render(
			lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.spinnerPopup(), lipgloss.WithWhitespaceChars("  "),
				lipgloss.WithWhitespaceForeground(lipgloss.Color("0"))),
		)
	}

	leftWidth := int(float64(m.width) * 0.4)
	rightWidth := m.width - leftWidth

	return lipgloss.JoinHorizontal(lipgloss.Top, m.leftPanelView(leftWidth), m.rightPanelView(rightWidth))
}

func (m evalModel) spinnerPopup() string {
	style := lipgloss.NewStyle().
		Width(40).
		Height(3).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Align(lipgloss.Center, lipgloss.Center)

	return style.Render(fmt.Sprintf("%s Generating image...", m.spinner.View()))
}

func (m evalModel) leftPanelView(width int) string {
	style := lipgloss.NewStyle().
		Width(width).
		Height(m.height).
		BorderStyle(lipgloss.NormalBorder()).
		BorderRight(true)

	var content string
	if m.inputMode {
		content = fmt.Sprintf("Enter prompt:\n\n%s", m.textInput.View())
	} else {
		button := func(label string, mode int) string {
			s := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
			if m.buttonMode == mode {
				s = s.Background(lipgloss.Color("7"))
			}
			return s.Render(label)
		}
		content = fmt.Sprintf(
			"Prompt: %s\n\n%s\n%s\n%s",
			m.session.LastPrompt(),
			button("[ Download ]", buttonDownload),
			button("[ Regenerate ]", buttonRegenerate),
			button("[ Discard ]", buttonDiscard),
		)
		if cur := m.session.Current(); cur != nil && cur.RevisedPrompt != "" {
			content += "\n\n" + helpStyle.Render("Revised: "+cur.RevisedPrompt)
		}
	}
	if m.status != "" {
		content += "\n\n" + statusStyle.Width(width-2).Render(m.status)
	}
	content += "\n\n" + helpStyle.Render(m.help())

	return style.Render(content)
}

func (m evalModel) help() string {
	if m.saving {
		return "saving... • esc: quit"
	}
	if m.inputMode {
		return "enter: generate • esc: quit"
	}
	return "tab: select • enter: confirm • q: quit"
}

func (m evalModel) rightPanelView(width int) string {
	style := lipgloss.NewStyle().
		Width(width).
		Height(m.height)

	if m.preview != "" {
		m.viewport.SetContent(m.preview)
		centeredContent := lipgloss.Place(width, m.height,
			lipgloss.Center, lipgloss.Center,
			m.viewport.View())
		return style.Render(centeredContent)
	}

	placeholderStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Align(lipgloss.Center, lipgloss.Center).
		Width(width).
		Height(m.height)

	if !m.inputMode {
		if target := m.session.Target(); target != "" {
			return placeholderStyle.Render(target)
		}
	}
	return placeholderStyle.Render("Image will be displayed here")
}

// renderPreview turns the local reference into terminal escape codes.
func (m evalModel) renderPreview() string {
	if m.local == nil || m.width == 0 {
		return ""
	}
	out, err := renderImage(m.local, m.config.Display, m.viewport.Width, m.viewport.Height)
	if err != nil {
		logger.Debug("Failed to render image", "err", err)
		return ""
	}
	return out
}

func renderImage(local *image.Local, protocol string, width, height int) (string, error) {
	switch protocol {
	case "kitty", "iterm":
		raw, err := local.ReadAll()
		if err != nil {
			return "", err
		}
		if protocol == "kitty" {
			return displayKittyImage(raw), nil
		}
		return displayITermImage(raw), nil
	default:
		if local.Released() {
			return "", image.ErrReleased
		}
		img, err := termimg.Open(local.Path())
		if err != nil {
			return "", err
		}
		return img.Width(width).Height(height).Render()
	}
}

func displayKittyImage(image []byte) string {
	encoded := base64.StdEncoding.EncodeToString(image)
	return fmt.Sprintf("\033_Ga=T,f=100;%s\033\\", encoded)
}

func displayITermImage(image []byte) string {
	encoded := base64.StdEncoding.EncodeToString(image)
	return fmt.Sprintf("\033]1337;File=inline=1;size=%d;width=auto;height=auto:%s\a\n", len(image), encoded)
}

func generateImage(s *session.Session, prompt string) tea.Cmd {
	return func() tea.Msg {
		img, err := s.Submit(context.Background(), prompt)
		if err != nil {
			return generateErrMsg{err}
		}
		return generatedMsg{img}
	}
}

func regenerateImage(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		img, err := s.Regenerate(context.Background())
		if err != nil {
			return generateErrMsg{err}
		}
		return generatedMsg{img}
	}
}

func previewImage(s *session.Session, deps *clientDeps) tea.Cmd {
	return func() tea.Msg {
		local, err := s.Preview(context.Background(), deps.fetcher.Fetch)
		return previewMsg{local: local, err: err}
	}
}

func saveImage(d *download.Dispatcher, img *image.GeneratedImage) tea.Cmd {
	return func() tea.Msg {
		return savedMsg{d.DownloadImage(context.Background(), img)}
	}
}
