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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/blacktop/imagine/internal/api"
	"github.com/blacktop/imagine/internal/config"
	"github.com/blacktop/imagine/internal/download"
	"github.com/blacktop/imagine/internal/image"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

var (
	// flags
	logger       *log.Logger
	verbose      bool
	envFile      string
	apiURL       string
	apiToken     string
	model        string
	size         string
	quality      string
	style        string
	outputFolder string
	display      string
	noProxy      bool
	prompt       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imagine",
	Short: "AI image generator TUI",
	Long: `imagine sends prompts to an image generation backend, previews each result
in the terminal and lets you download or regenerate it.`,
	Args: cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(log.DebugLevel)
		}
	},
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

		p := tea.NewProgram(newEvalModel(deps, cfg, prompt), tea.WithAltScreen(), tea.WithMouseCellMotion())
		m, err := p.Run()
		if err != nil {
			logger.Error("Error running program", "err", err)
			os.Exit(1)
		}
		if m, ok := m.(evalModel); ok && m.saved != "" {
			restore()
			fmt.Printf("Image saved: %s\n", m.saved)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Override the default error level style.
	styles := log.DefaultStyles()
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR!!").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("204")).
		Foreground(lipgloss.Color("0"))
	// Add a custom style for key `err`
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true)
	logger = log.New(os.Stderr)
	logger.SetStyles(styles)

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "V", false, "Verbose output")
	pf.StringVar(&envFile, "env-file", ".env", "Path to a .env file")
	pf.StringVarP(&apiURL, "api-url", "u", "", "Image backend URL (overrides IMAGINE_API_URL env_var)")
	pf.StringVarP(&apiToken, "api-token", "t", "", "Image backend token (overrides IMAGINE_API_TOKEN env_var)")
	pf.StringVarP(&model, "model", "m", "", "Model to use (dall-e-3 or dall-e-2)")
	pf.StringVarP(&size, "size", "s", "", "Image size (1024x1024, 1792x1024, 1024x1792, etc)")
	pf.StringVarP(&quality, "quality", "q", "", "Image quality (standard or hd)")
	pf.StringVar(&style, "style", "", "Image style (vivid or natural)")
	pf.StringVarP(&outputFolder, "output", "o", "", "Output folder")
	pf.BoolVar(&noProxy, "no-proxy", false, "Never use the backend download proxy")
	rootCmd.MarkPersistentFlagDirname("output")

	rootCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt for image generation")
	rootCmd.Flags().StringVarP(&display, "display", "d", "", "Inline image protocol (auto, kitty or iterm)")
}

// loadConfig layers flags over the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{apiURL, &cfg.APIBaseURL},
		{apiToken, &cfg.APIToken},
		{model, &cfg.Model},
		{size, &cfg.Size},
		{quality, &cfg.Quality},
		{style, &cfg.Style},
		{outputFolder, &cfg.OutputFolder},
		{display, &cfg.Display},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	if noProxy {
		cfg.UseProxy = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded", "api", cfg.APIBaseURL, "model", cfg.Model, "size", cfg.Size, "quality", cfg.Quality, "style", cfg.Style)
	return cfg, nil
}

// clientDeps is everything a client command needs to generate, show and
// save images.
type clientDeps struct {
	client     *api.Client
	fetcher    *download.HTTPFetcher
	mat        *image.Materializer
	dispatcher *download.Dispatcher
}

func newClientDeps(cfg *config.Config, opts ...download.Option) (*clientDeps, error) {
	hc := &http.Client{Timeout: cfg.RequestTimeout}
	client := api.NewClient(cfg.APIBaseURL,
		api.WithHTTPClient(hc),
		api.WithToken(cfg.APIToken),
		api.WithLogger(logger),
	)
	mat, err := image.NewMaterializer("")
	if err != nil {
		return nil, err
	}
	fetcher := download.NewHTTPFetcher(hc)

	dopts := []download.Option{
		download.WithFetcher(fetcher),
		download.WithLogger(logger),
	}
	if cfg.UseProxy {
		dopts = append(dopts, download.WithProxy(client))
	}
	return &clientDeps{
		client:     client,
		fetcher:    fetcher,
		mat:        mat,
		dispatcher: download.New(cfg.OutputFolder, append(dopts, opts...)...),
	}, nil
}

func (d *clientDeps) Close() {
	if err := d.mat.Close(); err != nil {
		logger.Warn("Failed to release local images", "err", err)
	}
}

// quietLogger keeps log lines from tearing the alt screen. With --verbose
// they go to imagine-debug.log instead.
func quietLogger() (restore func()) {
	browser.Stdout, browser.Stderr = io.Discard, io.Discard
	if !verbose {
		logger.SetOutput(io.Discard)
		return func() { logger.SetOutput(os.Stderr) }
	}
	f, err := os.OpenFile("imagine-debug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("Cannot open debug log", "err", err)
		logger.SetOutput(io.Discard)
		return func() { logger.SetOutput(os.Stderr) }
	}
	logger.SetOutput(f)
	return func() {
		logger.SetOutput(os.Stderr)
		f.Close()
	}
}

// userMessage renders an error the way the UI shows it.
func userMessage(err error) string {
	switch {
	case errors.Is(err, api.ErrNetworkFailure):
		return "Could not reach the image service: " + err.Error()
	case errors.Is(err, api.ErrInvalidResponseShape):
		return "Image generation failed: " + err.Error()
	case errors.Is(err, image.ErrMalformedPayload):
		return "The image could not be decoded: " + err.Error()
	case errors.Is(err, download.ErrSaveBlocked):
		return "Automatic download did not work. Open the image and save it manually: " + err.Error()
	default:
		return err.Error()
	}
}
