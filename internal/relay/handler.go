package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shiftboard/shiftsync/internal/store"
)

// handleData serves GET/PUT/DELETE on /{path}.json.
func (s *Server) handleData(c *gin.Context) {
	raw := c.Request.URL.Path
	if !strings.HasSuffix(raw, ".json") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	path, err := store.CleanPath(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	switch c.Request.Method {
	case http.MethodGet:
		s.get(c, path)
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.config.MaxBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if int64(len(body)) > s.config.MaxBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		s.put(c, path, body)
	case http.MethodDelete:
		s.put(c, path, json.RawMessage("null"))
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	}
}

func (s *Server) get(c *gin.Context, path string) {
	s.mu.Lock()
	value, err := s.tree.Get(path)
	s.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if value == nil {
		value = json.RawMessage("null")
	}
	if c.GetHeader(store.HeaderETagRequest) == "true" {
		c.Header("ETag", store.ETagOf(value))
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", value)
}

var errPrecondition = errors.New("precondition failed")

func (s *Server) put(c *gin.Context, path string, body json.RawMessage) {
	stored, err := s.apply(c.Request.Context(), path, body, c.GetHeader("if-match"))
	switch {
	case errors.Is(err, errPrecondition):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "precondition failed"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if stored == nil {
		stored = json.RawMessage("null")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", stored)
}

// apply writes body at path, persists the touched top-level nodes and fans the
// change out to streams. The tree lock is held throughout so streams observe
// writes in order.
func (s *Server) apply(ctx context.Context, path string, body json.RawMessage, ifMatch string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ifMatch != "" {
		current, err := s.tree.ETag(path)
		if err != nil {
			return nil, err
		}
		if current != ifMatch {
			return nil, errPrecondition
		}
	}

	touched := []string{topLevel(path)}
	if path == "" {
		touched = s.tree.Keys()
	}
	if err := s.tree.Set(path, body); err != nil {
		return nil, err
	}
	if path == "" {
		touched = append(touched, s.tree.Keys()...)
	}
	s.persistLocked(ctx, touched)

	stored, err := s.tree.Get(path)
	if err != nil {
		return nil, err
	}
	s.broadcastLocked(store.Event{Path: path, Value: stored})
	return stored, nil
}

func (s *Server) persistLocked(ctx context.Context, keys []string) {
	p := s.config.Persistence
	if p == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		value, err := s.tree.Get(key)
		if err == nil && value == nil {
			err = p.DeleteDocument(ctx, key)
		} else if err == nil {
			err = p.PutDocument(ctx, key, value)
		}
		if err != nil {
			s.logger.Warn("failed to persist node", "key", key, "error", err)
		}
	}
}

func topLevel(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
