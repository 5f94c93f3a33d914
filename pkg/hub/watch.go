package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	errs "github.com/vango-dev/localstore/internal/errors"
)

// watcher is one connected watch stream.
type watcher struct {
	conn   *websocket.Conn
	source string
	send   chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newWatcher(conn *websocket.Conn, source string) *watcher {
	return &watcher{
		conn:   conn,
		source: source,
		send:   make(chan Frame, DefaultSendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues f without blocking. It reports false if the watcher is
// closed or its buffer is full.
func (w *watcher) enqueue(f Frame) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- f:
		return true
	default:
		return false
	}
}

// close signals the write pump to send a close frame and drop the
// connection.
func (w *watcher) close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

func (s *Server) handleWatch(rw http.ResponseWriter, r *http.Request) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return writeError(rw, http.StatusServiceUnavailable,
			errs.New("LS201").WithDetail("The hub is shutting down."))
	}

	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return errs.New("LS201").Wrap(err)
	}

	w := newWatcher(conn, r.URL.Query().Get("source"))

	// The ready frame is queued ahead of any change, and the watcher is
	// registered before the client can observe it.
	w.send <- Frame{Type: FrameReady}
	if !s.register(w) {
		conn.Close()
		return nil
	}
	defer s.unregister(w)

	s.logger.Info("watcher connected", "source", w.source, "remote", r.RemoteAddr)

	go s.writePump(w)
	s.readPump(w)

	s.logger.Info("watcher disconnected", "source", w.source)
	return nil
}

func (s *Server) register(w *watcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.watchers[w] = struct{}{}
	s.metrics.watchers.Inc()
	return true
}

func (s *Server) unregister(w *watcher) {
	s.mu.Lock()
	if _, ok := s.watchers[w]; ok {
		delete(s.watchers, w)
		s.metrics.watchers.Dec()
	}
	s.mu.Unlock()
	w.close()
}

// readPump discards client messages and returns when the connection ends.
func (s *Server) readPump(w *watcher) {
	if s.pingInterval > 0 {
		wait := 2 * s.pingInterval
		w.conn.SetReadDeadline(time.Now().Add(wait))
		w.conn.SetPongHandler(func(string) error {
			return w.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				s.logger.Debug("watch read error", "source", w.source, "error", err)
			}
			return
		}
	}
}

// writePump owns all writes to the connection and closes it on exit.
func (s *Server) writePump(w *watcher) {
	defer w.conn.Close()

	var tick <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.done:
			w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout))
			return

		case f := <-w.send:
			if err := s.writeFrame(w, f); err != nil {
				s.logger.Debug("watch write failed", "source", w.source, "error", err)
				w.close()
				return
			}

		case <-tick:
			w.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.close()
				return
			}
		}
	}
}

func (s *Server) writeFrame(w *watcher, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
