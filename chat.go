package main

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/chat-cli/api"
	"github.com/go-authgate/chat-cli/chat"
	"github.com/go-authgate/chat-cli/session"
	"github.com/go-authgate/chat-cli/tui"
)

const connectPoll = 100 * time.Millisecond

// newChatCmd creates the chat command
func newChatCmd(getApp func() *app) *cobra.Command {
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "chat ROOM",
		Short: "Join a room and chat live",
		Long: `Join a room over WebSocket.

On a terminal this opens the chat view. Otherwise every stdin line is sent as
a message, incoming messages are printed to stdout, and EOF leaves the room.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), getApp(), args[0], !noHistory)
		},
	}

	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not load recent messages on join")

	return cmd
}

func runChat(ctx context.Context, a *app, roomID string, loadHistory bool) error {
	user, err := a.requireSession()
	if err != nil {
		tui.NewPlainDisplayer(a.out).SessionMissing()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var d tui.Displayer
	room := chat.NewRoom(roomID, a.client.WebSocketURL, a.store.Token,
		chat.WithReconnectPolicy(a.cfg.Reconnect),
		chat.WithRoomLogger(a.logger.With().Str("component", "room").Str("room", roomID).Logger()),
		chat.OnFrame(func(f chat.Frame) { showFrame(d, user, f) }),
		chat.OnState(func(sc chat.StateChange) { showState(d, roomID, sc) }),
	)

	var p *tea.Program
	if a.interactive() {
		m := tui.NewModel(roomID, profileName(user),
			func(text string) error { return sendLine(room, text) },
			room.SendTyping,
		)
		p = tea.NewProgram(m, tea.WithOutput(a.errOut))
		d = tui.NewProgramDisplayer(p)
	} else {
		d = tui.NewPlainDisplayer(a.out)
	}

	a.client.Coordinator().Observe(d.Refreshing, func(err error) {
		if err != nil {
			d.RefreshFailed(err)
			return
		}
		d.RefreshOK()
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return room.Run(gctx)
	})

	if a.cfg.SessionBackend == "file" {
		g.Go(func() error {
			return session.Watch(gctx, a.store, a.cfg.SessionFile, a.logger.With().Str("component", "watcher").Logger())
		})
	}

	// End the chat once the session is gone: a failed refresh, or a logout
	// from another terminal picked up by the watcher.
	updates, unsubscribe := a.store.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-updates:
				if !s.IsAuthenticated {
					d.LoggedOut()
					return session.ErrSessionExpired
				}
			}
		}
	})

	g.Go(func() error {
		d.Banner()
		d.SessionRestored(user)
		if !loadHistory {
			return nil
		}
		msgs, err := a.client.Messages(gctx, roomID, 0, 0)
		if err != nil {
			if gctx.Err() == nil {
				d.APICallFailed(err)
			}
			return nil
		}
		d.History(historyLines(msgs, user.ID))
		return nil
	})

	if p != nil {
		g.Go(func() error {
			_, err := p.Run()
			cancel()
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			p.Quit()
			return nil
		})
	} else {
		// Reading stdin cannot be interrupted, so this stays outside the group.
		go func() {
			sendLines(gctx, a.lines, room, d)
			cancel()
		}()
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sendLines posts every non-empty line of r once the room is connected.
func sendLines(ctx context.Context, r *bufio.Reader, room *chat.Room, d tui.Displayer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if err := waitConnected(ctx, room); err != nil {
			return
		}
		if err := sendLine(room, text); err != nil {
			d.APICallFailed(err)
		}
	}
}

func sendLine(room *chat.Room, text string) error {
	if err := api.ValidateContent(text); err != nil {
		return err
	}
	return room.SendMessage(text, nil)
}

func waitConnected(ctx context.Context, room *chat.Room) error {
	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()
	for !room.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func showFrame(d tui.Displayer, self session.UserProfile, f chat.Frame) {
	switch f.Type {
	case chat.TypeMessage:
		at := f.Time()
		if at.IsZero() {
			at = time.Now()
		}
		d.MessageReceived(tui.Line{
			Sender:  frameName(f.SenderName, f.SenderID),
			Content: f.Content,
			At:      at,
			Own:     f.SenderID == self.ID,
		})
	case chat.TypeTyping:
		if f.UserID != self.ID {
			d.Typing(frameName(f.UserName, f.UserID), f.IsTyping)
		}
	case chat.TypeUserJoined, chat.TypeUserLeft:
		if f.UserID != self.ID {
			d.Presence(frameName(f.UserName, f.UserID), f.Type == chat.TypeUserJoined)
		}
	}
}

func showState(d tui.Displayer, roomID string, sc chat.StateChange) {
	switch sc.State {
	case chat.StateConnected:
		d.Connected(roomID)
	case chat.StateReconnecting:
		d.Reconnecting(sc.Attempt, sc.Delay, sc.Err)
	case chat.StateDisconnected:
		d.Disconnected(sc.Err)
	}
}

func frameName(name string, id int) string {
	if name != "" {
		return name
	}
	return "user #" + strconv.Itoa(id)
}

func profileName(u session.UserProfile) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}
