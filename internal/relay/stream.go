package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/shiftboard/shiftsync/internal/store"
)

// client is one connected change stream.
type client struct {
	conn   *websocket.Conn
	prefix string
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func (s *Server) handleStream(c *gin.Context) {
	prefix, err := store.CleanPath(c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prefix"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn:   conn,
		prefix: prefix,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	// Register and queue the current state under one lock so no write slips
	// between them.
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	count := len(s.clients)
	if current, err := s.tree.Get(prefix); err == nil && current != nil {
		if data, err := json.Marshal(store.Event{Path: prefix, Value: current}); err == nil {
			cl.send <- data
		}
	}
	s.mu.Unlock()
	s.logger.Info("stream connected", "prefix", prefix, "clients", count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(cl)
	}()
	s.writeLoop(cl)
}

// writeLoop delivers queued events until the client goes away.
func (s *Server) writeLoop(cl *client) {
	defer s.removeClient(cl)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-cl.done:
			return
		case data := <-cl.send:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := cl.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		}
	}
}

// readLoop only watches for the peer closing; clients send nothing.
func (s *Server) readLoop(cl *client) {
	defer cl.close(websocket.StatusNormalClosure, "")
	for {
		if _, _, err := cl.conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	_, ok := s.clients[cl]
	delete(s.clients, cl)
	count := len(s.clients)
	s.mu.Unlock()

	cl.close(websocket.StatusNormalClosure, "")
	if ok {
		s.logger.Info("stream disconnected", "clients", count)
	}
}

// broadcastLocked queues ev for every stream whose prefix overlaps its path. A
// stream too slow to keep up is dropped; its client reconnects and refreshes.
func (s *Server) broadcastLocked(ev store.Event) {
	if len(s.clients) == 0 {
		return
	}
	if ev.Value == nil {
		ev.Value = json.RawMessage("null")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode change event", "error", err)
		return
	}
	for cl := range s.clients {
		if !store.HasPrefix(ev.Path, cl.prefix) && !store.HasPrefix(cl.prefix, ev.Path) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			s.logger.Warn("dropping slow stream", "prefix", cl.prefix)
			delete(s.clients, cl)
			go cl.close(websocket.StatusPolicyViolation, "too slow")
		}
	}
}
