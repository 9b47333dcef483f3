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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blacktop/imagine/internal/server"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	mockGen    bool
)

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (overrides IMAGINE_LISTEN env_var)")
	serveCmd.Flags().BoolVar(&mockGen, "mock", false, "Serve generated placeholder images instead of calling OpenAI")
	rootCmd.AddCommand(serveCmd)
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the image generation backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if err := cfg.ValidateServer(mockGen); err != nil {
			return err
		}

		var gen server.Generator = server.MockGenerator{}
		if !mockGen {
			gen, err = server.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ResponseFormat)
			if err != nil {
				return err
			}
		} else {
			logger.Warn("Using mock image generator")
		}

		opts := []server.Option{
			server.WithLogger(logger),
			server.WithToken(cfg.APIToken),
		}
		if cfg.RequestTimeout > 0 {
			opts = append(opts, server.WithGenerateTimeout(cfg.RequestTimeout))
		}
		srv, err := server.New(gen, opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", "err", err)
			return err
		}
		logger.Info("Server shut down")
		return nil
	},
}
