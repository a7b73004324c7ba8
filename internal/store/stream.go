package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/shiftboard/shiftsync/internal/version"
)

// StreamPath is the change-stream endpoint relative to the store base URL.
const StreamPath = "/.ws"

// Watch implements Watcher over a websocket change stream. The connection is
// re-established with exponential backoff until ctx is cancelled; missed events
// are not replayed, so consumers force a refresh when the stream reconnects.
func (s *HTTPStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	p, err := CleanPath(prefix)
	if err != nil {
		return nil, err
	}
	target := s.streamURL(p)
	out := make(chan Event, 256)
	go s.streamLoop(ctx, target, out)
	return out, nil
}

func (s *HTTPStore) streamURL(prefix string) string {
	u := *s.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	q := u.Query()
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if s.token != "" {
		q.Set("auth", s.token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPStore) streamLoop(ctx context.Context, target string, out chan<- Event) {
	defer close(out)

	backoff := s.cfg.StreamBackoffMin
	for {
		connected, err := s.streamOnce(ctx, target, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			s.setStreamState(false)
			backoff = s.cfg.StreamBackoffMin
		}
		s.logger.Warn("change stream disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.StreamBackoffMax {
			backoff = s.cfg.StreamBackoffMax
		}
	}
}

// streamOnce runs a single connection until it fails. connected reports whether
// the handshake succeeded.
func (s *HTTPStore) streamOnce(ctx context.Context, target string, out chan<- Event) (connected bool, err error) {
	header := http.Header{}
	header.Set(HeaderClientVersion, version.Protocol)
	// The request timeout must not apply to a long-lived stream.
	streamClient := *s.client
	streamClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: &streamClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("%w: dial change stream: %v", ErrUnavailable, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(32 << 20)

	s.setStreamState(true)
	s.logger.Info("change stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("dropping malformed change event", "error", err)
			continue
		}
		clean, err := CleanPath(ev.Path)
		if err != nil {
			s.logger.Warn("dropping change event with bad path", "path", ev.Path)
			continue
		}
		ev.Path = clean
		ev.Value = nullToNil(ev.Value)

		select {
		case out <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (s *HTTPStore) setStreamState(connected bool) {
	if s.cfg.OnStreamState != nil {
		s.cfg.OnStreamState(connected)
	}
}

var _ Watcher = (*HTTPStore)(nil)
