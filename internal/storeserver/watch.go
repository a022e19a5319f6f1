package storeserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webroker/reelwatch/internal/signalstore"
)

const wsWriteWait = 1 * time.Second

// watchSession streams one store subscription over a WebSocket. An empty
// side watches the session document; otherwise the side's candidates are
// streamed, skipping records with seq <= after.
type watchSession struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	id    string
	side  signalstore.Side
	after int64

	pingInterval time.Duration
	idleTimeout  time.Duration

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (ws *watchSession) run() {
	defer ws.Close()

	ws.conn.SetReadLimit(ws.srv.maxMessageBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(ws.idleTimeout))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(ws.idleTimeout))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := ws.subscribe(ctx)
	if err != nil {
		status, code := StatusForError(err)
		ws.log.Warn("watch subscribe failed", "status", status, "err", err)
		ws.fail(code, err.Error(), websocket.CloseInternalServerErr, code)
		return
	}
	defer signalstore.Unwatch(sub)

	go ws.pingLoop()

	for {
		_, _, err := ws.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				ws.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Watches are server-to-client only.
		ws.fail(CodeBadRequest, "unexpected client message", websocket.ClosePolicyViolation, "unexpected message")
		return
	}
}

func (ws *watchSession) subscribe(ctx context.Context) (signalstore.Subscription, error) {
	store := ws.srv.store
	if ws.side == "" {
		return store.WatchSession(ctx, ws.id, func(doc signalstore.Document) {
			ws.sendOrClose(Frame{Type: FrameDocument, Document: &doc})
		})
	}
	return store.WatchCandidates(ctx, ws.id, ws.side, func(rec signalstore.CandidateRecord) {
		if rec.Seq <= ws.after {
			return
		}
		ws.sendOrClose(Frame{Type: FrameCandidate, Record: &rec})
	})
}

func (ws *watchSession) pingLoop() {
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-t.C:
		}
		ws.writeMu.Lock()
		err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		ws.writeMu.Unlock()
		if err != nil {
			ws.Close()
			return
		}
	}
}

func (ws *watchSession) sendOrClose(f Frame) {
	if err := ws.send(f); err != nil {
		ws.log.Debug("watch write failed", "err", err)
		ws.Close()
	}
}

func (ws *watchSession) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	select {
	case <-ws.done:
		return net.ErrClosed
	default:
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *watchSession) fail(code, message string, closeCode int, closeReason string) {
	_ = ws.send(Frame{Type: FrameError, Code: code, Message: message})
	ws.closeWith(closeCode, closeReason)
}

func (ws *watchSession) closeWith(code int, reason string) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (ws *watchSession) Close() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		_ = ws.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
