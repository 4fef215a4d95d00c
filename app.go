package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/go-authgate/chat-cli/api"
	"github.com/go-authgate/chat-cli/logger"
	"github.com/go-authgate/chat-cli/session"
)

// app wires the components one command invocation needs.
type app struct {
	cfg    *Config
	logger zerolog.Logger
	store  *session.Store
	client *api.Client

	in     io.Reader
	lines  *bufio.Reader
	out    io.Writer
	errOut io.Writer
}

func newApp(cfg *Config, in io.Reader, out, errOut io.Writer) (*app, error) {
	log := logger.New(cfg.LogLevel, cfg.LogFormat, errOut)

	var persister session.Persister
	switch cfg.SessionBackend {
	case "keyring":
		persister = session.NewKeyringStore(session.DefaultNamespace)
	default:
		persister = session.NewFileStore(cfg.SessionFile, session.DefaultNamespace)
	}

	store := session.NewStore(persister,
		session.WithLogger(log.With().Str("component", "session").Logger()),
	)

	opts := []api.Option{api.WithLogger(log.With().Str("component", "api").Logger())}
	if cfg.WSURL != "" {
		opts = append(opts, api.WithWebSocketURL(cfg.WSURL))
	}
	client, err := api.New(cfg.APIURL, store, opts...)
	if err != nil {
		return nil, err
	}

	if err := store.Restore(); err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: log,
		store:  store,
		client: client,
		in:     in,
		lines:  bufio.NewReader(in),
		out:    out,
		errOut: errOut,
	}, nil
}

// requireSession fails unless a stored session was restored.
func (a *app) requireSession() (session.UserProfile, error) {
	s := a.store.Session()
	if !s.IsAuthenticated {
		return session.UserProfile{}, fmt.Errorf("%w: run 'chat-cli login' first", session.ErrNotAuthenticated)
	}
	return *s.User, nil
}

// promptLine prints label and reads one line of input.
func (a *app) promptLine(label string) (string, error) {
	fmt.Fprint(a.errOut, label)
	line, err := a.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptPassword reads a password without echo when stdin is a terminal,
// and a plain line otherwise.
func (a *app) promptPassword(label string) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.errOut, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut) // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	return a.promptLine(label)
}

// interactive reports whether both stdin and stderr are terminals.
func (a *app) interactive() bool {
	f, ok := a.in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) && isTTY()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
