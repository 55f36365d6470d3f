package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lsst-sqre/ivoa-cutout-poc/notify"
)

// Watch subscribes to the service's event stream over WebSocket and
// returns a channel of events for the given topics (default: "jobs").
// The channel closes when the context is cancelled or the connection
// drops. Events arriving faster than the caller drains them are
// dropped.
func (c *Client) Watch(ctx context.Context, topics ...string) (<-chan *notify.Event, error) {
	wsURL, err := c.eventsURL(topics)
	if err != nil {
		return nil, err
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("cutout/client: watch dial: %w", err)
	}

	// A cancelled context unblocks the read loop by closing the
	// connection under it.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	ch := make(chan *notify.Event, 64)
	go func() {
		defer close(ch)
		for {
			data, _, readErr := wsutil.ReadServerData(conn)
			if readErr != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event stream closed", slog.String("error", readErr.Error()))
				}
				return
			}

			var evt notify.Event
			if json.Unmarshal(data, &evt) != nil {
				continue
			}
			select {
			case ch <- &evt:
			default:
			}
		}
	}()

	return ch, nil
}

// eventsURL builds the ws:// form of the events endpoint.
func (c *Client) eventsURL(topics []string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("cutout/client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"

	q := u.Query()
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	q.Set("format", notify.CodecNameJSON)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
