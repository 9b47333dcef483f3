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
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/blacktop/imagine/internal/download"
	"github.com/blacktop/imagine/internal/image"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var refArg string

func init() {
	generateCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt for image generation")
	generateCmd.Flags().StringVar(&refArg, "ref", "", "Download an existing image reference (http(s) URL or data: URI) instead of generating")
	rootCmd.AddCommand(generateCmd)
}

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an image and save it without the TUI",
	Example: `  imagine generate -p "koi fish in the style of irezumi"
  imagine generate --ref https://example.com/img.png -p "koi"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if prompt == "" && refArg == "" {
			return fmt.Errorf("either --prompt or --ref is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deps, err := newClientDeps(cfg, download.WithProgress(func(total int64, desc string) io.Writer {
			return progressbar.DefaultBytes(total, desc)
		}))
		if err != nil {
			return err
		}
		defer deps.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var img *image.GeneratedImage
		if refArg != "" {
			ref, err := image.ParseReference(refArg)
			if err != nil {
				return err
			}
			img = image.NewGeneratedImage(ref, prompt, time.Now())
		} else {
			logger.Info("Generating image", "prompt", prompt, "model", cfg.Model, "size", cfg.Size)
			img, err = deps.client.Generate(ctx, prompt, cfg.Params())
			if err != nil {
				logger.Error("Generation failed", "err", err)
				return fmt.Errorf("%s", userMessage(err))
			}
			if img.RevisedPrompt != "" {
				logger.Debug("Prompt revised", "revised", img.RevisedPrompt)
			}
		}
		if err := img.Approve(); err != nil {
			return err
		}

		res := deps.dispatcher.DownloadImage(ctx, img)
		if !res.Success {
			return fmt.Errorf("%s", userMessage(res.Err))
		}
		switch res.Method {
		case download.MethodNewTab:
			logger.Warn(res.Message)
		default:
			logger.Info("Image saved", "file", res.Filename, "method", res.Method)
		}
		return nil
	},
}
