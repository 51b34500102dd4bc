// Package cli provides the streamctl command-line interface for the chat service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"artifactchat/pkg/delta"
)

var (
	// Global flags
	serverURL string
	token     string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "streamctl",
	Short: "Drive and inspect chat delta streams",
	Long: `streamctl talks to the chat service: it starts turns, resumes their
delta streams from a cursor and stops running streams.

The server and token default to $ARTIFACTCHAT_SERVER and $ARTIFACTCHAT_TOKEN.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("ARTIFACTCHAT_SERVER", "http://localhost:8080"), "chat service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ARTIFACTCHAT_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print every delta as a JSON line")

	rootCmd.AddCommand(guestCmd, sendCmd, resumeCmd, stopCmd)
}

func newClient() *Client {
	return NewClient(serverURL, token, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printer renders deltas. Text output concatenates text deltas and marks other
// types on their own line.
type printer struct {
	out     io.Writer
	json    bool
	midLine bool
}

func (p *printer) print(d delta.Delta) error {
	if p.json {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.out, string(raw))
		return err
	}
	switch d.Type {
	case delta.TypeTextDelta, delta.TypeCodeDelta, delta.TypeSheetDelta:
		var text string
		if err := json.Unmarshal(d.Content, &text); err != nil {
			return err
		}
		p.midLine = true
		_, err := io.WriteString(p.out, text)
		return err
	default:
		if p.midLine {
			fmt.Fprintln(p.out)
			p.midLine = false
		}
		if len(d.Content) == 0 {
			_, err := fmt.Fprintf(p.out, "[%d %s]\n", d.Seq, d.Type)
			return err
		}
		_, err := fmt.Fprintf(p.out, "[%d %s] %s\n", d.Seq, d.Type, d.Content)
		return err
	}
}

// follow resumes until the terminal delta arrives, reconnecting from the last
// seen Seq when the connection drops.
func follow(ctx context.Context, c *Client, chatID string, cursor int64, retry time.Duration, fn func(delta.Delta) error) error {
	for {
		last, finished, err := c.Resume(ctx, chatID, cursor, fn)
		if err != nil || finished {
			return err
		}
		cursor = last
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}
