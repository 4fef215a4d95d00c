package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/go-authgate/chat-cli/tui"
)

var version = "dev" // Will be set during build

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		tui.NewPlainDisplayer(os.Stderr).Fatal(err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The app is created once the
// persistent flags are parsed, before any subcommand runs.
func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	var (
		flags flagValues
		a     *app
	)

	root := &cobra.Command{
		Use:   "chat-cli",
		Short: "Terminal client for the chat backend",
		Long: `chat-cli signs in to the chat backend, keeps the session token fresh and
joins rooms over WebSocket.

Settings come from flags, then environment variables (a .env file is loaded
when present), then defaults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "help", "completion":
				return nil
			}
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err = newApp(cfg, in, out, errOut)
			return err
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.apiURL, "api-url", "", "Backend URL (default: http://localhost:8000 or API_URL env)")
	pf.StringVar(&flags.wsURL, "ws-url", "", "WebSocket base URL (default: derived from the API URL or WS_URL env)")
	pf.StringVar(&flags.sessionFile, "session-file", "", "Session file path (default: .chat-cli-session.json or SESSION_FILE env)")
	pf.StringVar(&flags.sessionBackend, "session-backend", "", "Session storage: file or keyring (default: file or SESSION_BACKEND env)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off (default: warn or LOG_LEVEL env)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: console or json (default: console or LOG_FORMAT env)")
	pf.StringVar(&flags.reconnectDelay, "reconnect-delay", "", "Delay before redialing a dropped room (default: 3s or RECONNECT_DELAY env)")
	pf.StringVar(&flags.reconnectMaxAttempts, "reconnect-max-attempts", "", "Redials before giving up, 0 for unlimited (default: 0 or RECONNECT_MAX_ATTEMPTS env)")

	getApp := func() *app { return a }

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("chat-cli version %s\n", version)
		},
	})
	root.AddCommand(newLoginCmd(getApp))
	root.AddCommand(newRegisterCmd(getApp))
	root.AddCommand(newLogoutCmd(getApp))
	root.AddCommand(newWhoamiCmd(getApp))
	root.AddCommand(newHistoryCmd(getApp))
	root.AddCommand(newSendCmd(getApp))
	root.AddCommand(newReadCmd(getApp))
	root.AddCommand(newChatCmd(getApp))

	return root
}
