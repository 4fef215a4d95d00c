package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-authgate/chat-cli/api"
	"github.com/go-authgate/chat-cli/session"
	"github.com/go-authgate/chat-cli/tui"
)

// newLoginCmd creates the login command
func newLoginCmd(getApp func() *app) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with email and password.

Credentials are taken from --email/--password, then CHAT_EMAIL/CHAT_PASSWORD,
and prompted for when still missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			var err error
			if email, err = a.credential(email, "CHAT_EMAIL", "Email: ", false); err != nil {
				return err
			}
			if password, err = a.credential(password, "CHAT_PASSWORD", "Password: ", true); err != nil {
				return err
			}

			user, err := a.client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			tui.NewPlainDisplayer(cmd.OutOrStdout()).LoggedIn(*user)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prefer the prompt or CHAT_PASSWORD)")

	return cmd
}

// newRegisterCmd creates the register command
func newRegisterCmd(getApp func() *app) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			var err error
			if email, err = a.credential(email, "CHAT_EMAIL", "Email: ", false); err != nil {
				return err
			}
			if name == "" {
				if name, err = a.promptLine("Full name: "); err != nil {
					return err
				}
			}
			if password, err = a.credential(password, "CHAT_PASSWORD", "Password: ", true); err != nil {
				return err
			}

			user, err := a.client.Register(cmd.Context(), email, password, strings.TrimSpace(name))
			if err != nil {
				return err
			}
			tui.NewPlainDisplayer(cmd.OutOrStdout()).LoggedIn(*user)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&name, "name", "", "Full name")

	return cmd
}

// newLogoutCmd creates the logout command
func newLogoutCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := getApp().client.Logout(); err != nil {
				return fmt.Errorf("failed to clear session: %w", err)
			}
			tui.NewPlainDisplayer(cmd.OutOrStdout()).LoggedOut()
			return nil
		},
	}
}

// newWhoamiCmd creates the whoami command
func newWhoamiCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			d := tui.NewPlainDisplayer(cmd.OutOrStdout())
			if _, err := a.requireSession(); err != nil {
				d.SessionMissing()
				return err
			}

			user, err := a.client.CurrentUser(cmd.Context())
			if err != nil {
				if api.IsAuthError(err) {
					return fmt.Errorf("%w: %w", session.ErrSessionExpired, err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:     %d\n", user.ID)
			fmt.Fprintf(out, "Email:  %s\n", user.Email)
			fmt.Fprintf(out, "Name:   %s\n", user.FullName)
			fmt.Fprintf(out, "Active: %t\n", user.IsActive)
			if at, ok := a.store.RenewalAt(); ok {
				fmt.Fprintf(out, "Token renewal at: %s\n", at.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

// newHistoryCmd creates the history command
func newHistoryCmd(getApp func() *app) *cobra.Command {
	var skip, limit int

	cmd := &cobra.Command{
		Use:   "history ROOM",
		Short: "Print a room's recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			d := tui.NewPlainDisplayer(cmd.OutOrStdout())
			user, err := a.requireSession()
			if err != nil {
				d.SessionMissing()
				return err
			}

			msgs, err := a.client.Messages(cmd.Context(), args[0], skip, limit)
			if err != nil {
				return err
			}
			d.History(historyLines(msgs, user.ID))
			return nil
		},
	}

	cmd.Flags().IntVar(&skip, "skip", 0, "Number of newest messages to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages")

	return cmd
}

// newSendCmd creates the send command
func newSendCmd(getApp func() *app) *cobra.Command {
	var to int

	cmd := &cobra.Command{
		Use:   "send ROOM MESSAGE...",
		Short: "Post a message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if _, err := a.requireSession(); err != nil {
				tui.NewPlainDisplayer(cmd.OutOrStdout()).SessionMissing()
				return err
			}

			data := api.SendMessageData{
				RoomID:  args[0],
				Content: strings.TrimSpace(strings.Join(args[1:], " ")),
			}
			if cmd.Flags().Changed("to") {
				data.RecipientID = &to
			}

			msg, err := a.client.SendMessage(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message #%d to #%s\n", msg.ID, data.RoomID)
			return nil
		},
	}

	cmd.Flags().IntVar(&to, "to", 0, "Recipient user ID for a direct message")

	return cmd
}

// newReadCmd creates the read command
func newReadCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read MESSAGE_ID",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if _, err := a.requireSession(); err != nil {
				tui.NewPlainDisplayer(cmd.OutOrStdout()).SessionMissing()
				return err
			}

			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid message id %q", args[0])
			}

			if _, err := a.client.MarkAsRead(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message #%d marked as read\n", id)
			return nil
		},
	}
}

// credential resolves one login input: flag, then env, then a prompt.
func (a *app) credential(value, envKey, label string, secret bool) (string, error) {
	if value == "" {
		value = os.Getenv(envKey)
	}
	if value != "" {
		return value, nil
	}

	var err error
	if secret {
		value, err = a.promptPassword(label)
	} else {
		value, err = a.promptLine(label)
		value = strings.TrimSpace(value)
	}
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", errors.New(strings.TrimSuffix(strings.ToLower(label), ": ") + " is required")
	}
	return value, nil
}

// historyLines converts a page of messages, newest first as the backend
// returns them, into thread lines oldest first.
func historyLines(msgs []api.Message, selfID int) []tui.Line {
	lines := make([]tui.Line, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		lines = append(lines, tui.Line{
			Sender:  senderName(m),
			Content: m.Content,
			At:      m.CreatedAt.Time,
			Own:     m.SenderID == selfID,
		})
	}
	return lines
}

func senderName(m api.Message) string {
	if m.Sender != nil {
		if m.Sender.FullName != "" {
			return m.Sender.FullName
		}
		if m.Sender.Email != "" {
			return m.Sender.Email
		}
	}
	return "user #" + strconv.Itoa(m.SenderID)
}
