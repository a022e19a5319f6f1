package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/cowatch"
	"github.com/webroker/reelwatch/internal/reaction"
)

const usage = "usage: reelwatch [flags] start [--reel <id>] | reelwatch [flags] join <session id | share link>"

const (
	commandStart = "start"
	commandJoin  = "join"
)

var errUsage = errors.New("reelwatch: expected a start or join command")

type command struct {
	name      string
	sessionID string
	reelID    string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	switch args[0] {
	case commandStart:
		if len(args) != 1 {
			return command{}, fmt.Errorf("reelwatch start takes no arguments, got %q", args[1:])
		}
		return command{name: commandStart}, nil
	case commandJoin:
		if len(args) != 2 {
			return command{}, errors.New("reelwatch join needs exactly one session id or share link")
		}
		id, reel, err := reaction.ParseInvite(args[1])
		if err != nil {
			return command{}, err
		}
		return command{name: commandJoin, sessionID: id, reelID: reel}, nil
	default:
		return command{}, fmt.Errorf("%w, got %q", errUsage, args[0])
	}
}

// session is the part of cowatch.Orchestrator driven by run.
type session interface {
	StartSession(ctx context.Context, onMessage cowatch.MessageListener, onState cowatch.StateListener) (string, error)
	JoinSession(ctx context.Context, id string, onMessage cowatch.MessageListener, onState cowatch.StateListener) error
	SendMessage(payload string) bool
}

// run starts or joins a session, then relays stdin lines until EOF or ctx
// is canceled.
func run(ctx context.Context, cmd command, cfg config.Config, sess session, in io.Reader, out io.Writer) error {
	p := &printer{w: out}
	onMessage := cowatch.MessageListenerFunc(func(payload string) {
		p.printf("peer: %s\n", payload)
	})
	onState := cowatch.StateListenerFunc(func(state webrtc.PeerConnectionState) {
		p.printf("connection: %s\n", state)
	})

	switch cmd.name {
	case commandStart:
		id, err := sess.StartSession(ctx, onMessage, onState)
		if err != nil {
			return err
		}
		p.printf("session: %s\n", id)
		p.printf("share: %s\n", reaction.ShareLink(cfg.PublicBaseURL, id, cfg.ReelID))
	case commandJoin:
		if err := sess.JoinSession(ctx, cmd.sessionID, onMessage, onState); err != nil {
			return err
		}
		if cmd.reelID != "" {
			p.printf("joined %s (reel %s)\n", cmd.sessionID, cmd.reelID)
		} else {
			p.printf("joined %s\n", cmd.sessionID)
		}
	default:
		return errUsage
	}

	return pumpReactions(ctx, in, sess, p)
}

// pumpReactions sends each non-empty stdin line as a reaction.
func pumpReactions(ctx context.Context, in io.Reader, sess session, p *printer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			payload, err := reaction.Normalize(line)
			if errors.Is(err, reaction.ErrEmptyPayload) {
				continue
			}
			if err != nil {
				p.printf("skipped: %v\n", err)
				continue
			}
			if !sess.SendMessage(payload) {
				p.printf("not sent: channel is not open yet\n")
			}
		}
	}
}

// printer serializes output from listener callbacks and the input loop.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
