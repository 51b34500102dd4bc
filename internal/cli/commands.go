package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	chatID      string
	cursor      int64
	followDrops bool
)

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Request a guest token",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newClient().Guest(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), t)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message and stream the reply",
	Example: `  streamctl send "Write an essay about Go"
  streamctl send --chat 3f1c... "Make it shorter"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := &printer{out: cmd.OutOrStdout(), json: jsonOut}
		id, last, err := newClient().Send(cmd.Context(), chatID, strings.Join(args, " "), p.print)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\nchat %s, last seq %d\n", id, last)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Replay a conversation's stream from a cursor",
	Long: `Resume prints every delta after --cursor of the conversation's latest
stream and keeps following while it is still running. With --follow it
reconnects from the last seen delta until the stream finishes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatID == "" {
			return errors.New("--chat is required")
		}
		p := &printer{out: cmd.OutOrStdout(), json: jsonOut}
		c := newClient()
		var err error
		if followDrops {
			err = follow(cmd.Context(), c, chatID, cursor, time.Second, p.print)
		} else {
			_, _, err = c.Resume(cmd.Context(), chatID, cursor, p.print)
		}
		if errors.Is(err, errNoStream) {
			fmt.Fprintln(cmd.ErrOrStderr(), "nothing to resume")
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a conversation's running stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatID == "" {
			return errors.New("--chat is required")
		}
		return newClient().Stop(cmd.Context(), chatID)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&chatID, "chat", "c", "", "conversation id (new conversation when empty)")

	resumeCmd.Flags().StringVarP(&chatID, "chat", "c", "", "conversation id")
	resumeCmd.Flags().Int64Var(&cursor, "cursor", 0, "last seen seq")
	resumeCmd.Flags().BoolVarP(&followDrops, "follow", "f", false, "reconnect until the stream finishes")

	stopCmd.Flags().StringVarP(&chatID, "chat", "c", "", "conversation id")
}
