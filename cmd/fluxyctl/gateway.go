package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/client"
	"github.com/matheus3301/fluxy/internal/logging"
	"github.com/matheus3301/fluxy/internal/message"
	"github.com/matheus3301/fluxy/internal/typing"
)

var (
	errConnectionClosed = errors.New("gateway connection closed")
	errNotDelivered     = errors.New("message was not delivered")
)

// sessionOptions builds client options from flags and config.
func sessionOptions(g globals) (client.Options, error) {
	user := g.user
	if user == "" {
		user = g.cfg.Client.User
	}
	if user == "" {
		return client.Options{}, errors.New("no user configured: pass --user or set [client] user")
	}
	return client.Options{
		UserID:       user,
		Username:     g.cfg.Client.Username,
		AckTimeout:   g.cfg.Client.AckTimeout.Duration,
		PageSize:     g.cfg.Client.PageSize,
		TypingExpiry: g.cfg.Typing.Expiry.Duration,
		Logger:       logging.NewCLI(g.verbose),
	}, nil
}

// openSession dials the gateway as the configured user and opens one channel.
func openSession(ctx context.Context, g globals, serverID, channelID string) (*client.Session, *client.ChannelView) {
	opts, err := sessionOptions(g)
	if err != nil {
		fatalf("%v", err)
	}
	sess, err := client.Dial(ctx, g.cfg.Client.GatewayURL, opts)
	if err != nil {
		fatalf("%v", err)
	}
	view, err := subscribeView(ctx, sess, serverID, channelID)
	if err != nil {
		_ = sess.Close()
		fatalf("%v", err)
	}
	if err := view.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: history unavailable: %v\n", err)
	}
	return sess, view
}

func subscribeView(ctx context.Context, sess *client.Session, serverID, channelID string) (*client.ChannelView, error) {
	if err := sess.SubscribeServer(ctx, serverID); err != nil {
		return nil, err
	}
	return sess.Open(ctx, serverID, channelID)
}

func cmdTail(g globals, args []string) {
	if len(args) != 2 {
		fatalf("usage: fluxyctl tail <server> <channel>")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, view := openSession(ctx, g, args[0], args[1])
	defer func() { _ = sess.Close() }()

	if err := tailChannel(ctx, sess, view, g.json, os.Stdout, os.Stderr); err != nil {
		fatalf("%v", err)
	}
}

// tailChannel prints confirmed messages of view to out as they arrive, and
// typing and voice activity to info. It returns nil when ctx ends and
// errConnectionClosed when the session drops.
func tailChannel(ctx context.Context, sess *client.Session, view *client.ChannelView, asJSON bool, out, info io.Writer) error {
	changes, unsub := sess.Bus().Subscribe("", 256)
	defer unsub()

	printed := make(map[string]bool)
	var typingLine string
	render := func() {
		for _, m := range view.Messages() {
			if m.Optimistic || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			printMessage(out, asJSON, m)
		}
		if line := typingSummary(view.TypingUsers()); line != typingLine {
			typingLine = line
			if line != "" {
				fmt.Fprintln(info, line)
			}
		}
	}
	handle := func(evt bus.Event) {
		switch evt.Kind {
		case client.EventViewChanged:
			if evt.Topic == view.ChannelID() {
				render()
			}
		case client.EventVoiceSync:
			users, _ := evt.Payload.([]string)
			fmt.Fprintf(info, "* voice %s: %s\n", evt.Topic, joinOrDash(users))
		}
	}
	render()

	for {
		select {
		case evt := <-changes:
			handle(evt)
		case <-sess.Done():
			// Dispatch has exited, so everything it published is queued.
			for {
				select {
				case evt := <-changes:
					handle(evt)
				default:
					render()
					return errConnectionClosed
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func cmdSay(g globals, args []string) {
	if len(args) < 3 {
		fatalf("usage: fluxyctl say <server> <channel> <text...>")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, view := openSession(ctx, g, args[0], args[1])
	defer func() { _ = sess.Close() }()

	m, err := sayMessage(ctx, sess, view, strings.Join(args[2:], " "))
	if err != nil {
		fatalf("%v", err)
	}
	printMessage(os.Stdout, g.json, m)
}

// sayMessage sends text and blocks until the gateway confirms or rejects it.
func sayMessage(ctx context.Context, sess *client.Session, view *client.ChannelView, text string) (message.Message, error) {
	changes, unsub := sess.Bus().Subscribe(client.EventViewChanged, 64)
	defer unsub()

	sent, err := view.SendMessage(ctx, text, client.SendOptions{})
	if err != nil {
		return message.Message{}, err
	}
	for {
		if m, done, err := sendOutcome(view, sent.ID); done {
			return m, err
		}
		select {
		case <-changes:
		case <-sess.Done():
			return message.Message{}, errConnectionClosed
		case <-ctx.Done():
			return message.Message{}, fmt.Errorf("interrupted before confirmation: %w", ctx.Err())
		}
	}
}

// sendOutcome looks for the fate of an optimistic send: confirmed when a
// message echoing its nonce arrived, failed when the placeholder failed.
// A failed placeholder wins over a confirmation that came in after it.
func sendOutcome(view *client.ChannelView, tempID string) (message.Message, bool, error) {
	var confirmed *message.Message
	for _, m := range view.Messages() {
		switch {
		case m.ID == tempID && m.Status == message.StatusFailed:
			return m, true, errNotDelivered
		case m.Nonce == tempID && !m.Optimistic:
			confirmed = &m
		}
	}
	if confirmed != nil {
		return *confirmed, true, nil
	}
	return message.Message{}, false, nil
}

func printMessage(w io.Writer, asJSON bool, m message.Message) {
	if asJSON {
		writeJSON(w, m)
		return
	}
	name := m.Author.DisplayName
	if name == "" {
		name = m.Author.Username
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.Timestamp.Local().Format("15:04:05"), name, m.Content, edited)
}

func typingSummary(users []typing.Indicator) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("* %s is typing...", users[0].Username)
	default:
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.Username
		}
		return fmt.Sprintf("* %s are typing...", strings.Join(names, ", "))
	}
}
