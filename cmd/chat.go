/*
Copyright © 2024-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/imagine/internal/config"
	"github.com/blacktop/imagine/internal/download"
	"github.com/blacktop/imagine/internal/image"
	"github.com/blacktop/imagine/internal/session"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Generate images in a chat style history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			logger.Error("Invalid configuration", "err", err)
			os.Exit(1)
		}
		deps, err := newClientDeps(cfg)
		if err != nil {
			logger.Error("Failed to initialize", "err", err)
			os.Exit(1)
		}
		defer deps.Close()

		restore := quietLogger()
		defer restore()

		if _, err := tea.NewProgram(newChatModel(deps, cfg), tea.WithAltScreen()).Run(); err != nil {
			restore()
			logger.Error("Error running program", "err", err)
			os.Exit(1)
		}
	},
}

type sentMsg struct {
	entry session.Entry
	err   error
}

type chatSavedMsg struct {
	id  string
	res download.Result
}

type chatModel struct {
	deps      *clientDeps
	conv      *session.Conversation
	textInput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	entries   []session.Entry
	selected  int
	sending   bool
	status    string
	width     int
	height    int
}

func newChatModel(deps *clientDeps, c *config.Config) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Describe an image and press enter"
	ti.CharLimit = 1000
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return chatModel{
		deps:      deps,
		conv:      session.NewConversation(deps.client, c.Params(), deps.mat),
		textInput: ti,
		viewport:  viewport.New(0, 0),
		spinner:   s,
		selected:  -1,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 1)
		m.textInput.Width = msg.Width - 8
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.conv.Close()
			return m, tea.Quit
		case "enter":
			if m.sending {
				return m, nil
			}
			p := m.textInput.Value()
			if strings.TrimSpace(p) == "" {
				return m, nil
			}
			m.sending = true
			m.status = ""
			return m, tea.Batch(sendPrompt(m.conv, p), m.spinner.Tick)
		case "up":
			m.moveSelection(-1)
			m.refresh()
			return m, nil
		case "down":
			m.moveSelection(1)
			m.refresh()
			return m, nil
		case "ctrl+d":
			e, ok := m.selectedEntry()
			if !ok {
				return m, nil
			}
			img := e.Image
			if img.State == image.Pending {
				approved, err := m.conv.Approve(e.ID)
				if err != nil {
					m.status = userMessage(err)
					return m, nil
				}
				img = approved.Image
			} else if img.State != image.Approved {
				return m, nil
			}
			m.entries = m.conv.Entries()
			m.status = "Downloading..."
			m.refresh()
			return m, chatSave(m.deps.dispatcher, e.ID, img)
		case "ctrl+o":
			e, ok := m.selectedEntry()
			if !ok || e.Display == nil {
				return m, nil
			}
			if err := browser.OpenURL(e.Display.Target()); err != nil {
				m.status = userMessage(err)
			}
			return m, nil
		}
	case sentMsg:
		m.sending = false
		m.entries = m.conv.Entries()
		if msg.err != nil {
			// the prompt stays in the input so it can be resent
			m.status = userMessage(msg.err)
		} else {
			m.textInput.Reset()
			m.selected = len(m.entries) - 1
		}
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case chatSavedMsg:
		res := msg.res
		switch {
		case !res.Success:
			m.status = userMessage(res.Err)
		case res.Method == download.MethodNewTab:
			m.status = res.Message
		default:
			m.status = "Image saved: " + res.Filename
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	cmds = append(cmds, cmd)
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// moveSelection steps through entries that carry an image.
func (m *chatModel) moveSelection(delta int) {
	for i := m.selected + delta; i >= 0 && i < len(m.entries); i += delta {
		if m.entries[i].Image != nil {
			m.selected = i
			return
		}
	}
}

func (m chatModel) selectedEntry() (session.Entry, bool) {
	if m.selected < 0 || m.selected >= len(m.entries) || m.entries[m.selected].Image == nil {
		return session.Entry{}, false
	}
	return m.entries[m.selected], true
}

func (m *chatModel) refresh() {
	m.viewport.SetContent(renderHistory(m.entries, m.selected, m.width))
}

func renderHistory(entries []session.Entry, selected, width int) string {
	if len(entries) == 0 {
		return helpStyle.Render("No images yet.")
	}
	var b strings.Builder
	for i, e := range entries {
		var line string
		switch e.Role {
		case session.RoleUser:
			line = userStyle.Render("You: ") + e.Text
		case session.RoleError:
			line = errorStyle.Render("Error: " + e.Text)
		case session.RoleAssistant:
			target := ""
			if e.Display != nil {
				target = e.Display.Target()
				if strings.HasPrefix(target, "file://") {
					target = "(embedded) " + target
				}
			}
			state := e.Image.State.String()
			if e.Image.State == image.Approved {
				state = approvedStyle.Render(state)
			}
			line = assistantStyle.Render("Image ") + fmt.Sprintf("[%s] %s", state, target)
			if e.Image.RevisedPrompt != "" {
				line += "\n  " + helpStyle.Render(e.Image.RevisedPrompt)
			}
		}
		if i == selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		if width > 0 {
			line = lipgloss.NewStyle().MaxWidth(width).Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m chatModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	input := m.textInput.View()
	if m.sending {
		input = fmt.Sprintf("%s Generating image...", m.spinner.View())
	}
	footer := helpStyle.Render("enter: send • ↑/↓: select image • ctrl+d: download • ctrl+o: open • esc: quit")
	if m.status != "" {
		footer = statusStyle.Render(m.status) + "\n" + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		inputBoxStyle.Width(m.width-2).Render(input),
		footer,
	)
}

func sendPrompt(c *session.Conversation, prompt string) tea.Cmd {
	return func() tea.Msg {
		e, err := c.Send(context.Background(), prompt)
		return sentMsg{entry: e, err: err}
	}
}

func chatSave(d *download.Dispatcher, id string, img *image.GeneratedImage) tea.Cmd {
	return func() tea.Msg {
		return chatSavedMsg{id: id, res: d.DownloadImage(context.Background(), img)}
	}
}
