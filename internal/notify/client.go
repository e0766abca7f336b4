package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/marcus/pricetrack/internal/events"
)

// StreamURL builds the websocket URL for a daemon listening on addr
// (host:port or an http/ws URL)
func StreamURL(addr string, types []events.Type) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse daemon address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q := u.Query()
		q.Set("types", strings.Join(names, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Stream connects to wsURL and calls fn for every event until ctx is
// cancelled, the server closes, or fn returns an error.
func Stream(ctx context.Context, wsURL string, fn func(events.Event) error) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			return err
		}
	}
}

// ErrStop can be returned by a Stream callback to end the stream cleanly
var ErrStop = errors.New("stop streaming")
