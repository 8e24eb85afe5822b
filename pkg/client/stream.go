package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// StreamOptions narrows an event stream.
type StreamOptions struct {
	// After replays stored entries with a larger sequence number first.
	After uint64
	// Replay requests the stored log even when After is zero.
	Replay bool
	// RequestID limits the stream to one request when non-zero.
	RequestID uint64
}

// Stream follows the node's event log over a websocket and calls fn for
// each entry until ctx ends, fn returns an error or the node closes the
// stream. ErrStopStream returned by fn ends the stream without error.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(computation.LogEntry) error) error {
	u, err := url.Parse(c.http.BaseURL() + "/v1/events/stream")
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if opts.After > 0 || opts.Replay {
		q.Set("after", strconv.FormatUint(opts.After, 10))
	}
	if opts.RequestID > 0 {
		q.Set("request_id", strconv.FormatUint(opts.RequestID, 10))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial event stream: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var entry computation.LogEntry
		if err := conn.ReadJSON(&entry); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(entry); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
}

// ErrStopStream ends Stream cleanly when returned from its callback.
var ErrStopStream = errors.New("stop stream")
