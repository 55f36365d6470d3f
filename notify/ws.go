package notify

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// WSHandler upgrades HTTP requests to WebSocket connections and streams
// broker events to them.
//
// Query parameters:
//
//	topics — comma-separated topic list (default "jobs")
//	format — wire codec, "json" or "msgpack" (default "json")
//
// Clients may send {"credits": n} frames to replenish flow control;
// anything else from the client is ignored.
type WSHandler struct {
	broker *Broker
	logger *slog.Logger
}

// NewWSHandler creates the WebSocket endpoint over a broker.
func NewWSHandler(broker *Broker, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{broker: broker, logger: logger}
}

// creditFrame is the only client-to-server message.
type creditFrame struct {
	Credits int64 `json:"credits"`
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	codec := GetCodec(r.URL.Query().Get("format"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	subID := "ws-" + id.New("sub").String()
	sub := h.broker.Subscribe(subID, topics...)

	h.logger.Info("event stream connected",
		slog.String("subscriber", subID),
		slog.String("codec", codec.Name()),
		slog.Any("topics", topics),
	)

	go h.readLoop(conn, sub, subID)
	h.writeLoop(conn, codec, sub, subID)
}

// writeLoop forwards broker events to the socket until the subscriber
// closes or a write fails.
func (h *WSHandler) writeLoop(conn net.Conn, codec Codec, sub *Subscriber, subID string) {
	defer func() {
		h.broker.RemoveSubscriber(subID)
		conn.Close() //nolint:errcheck // teardown
		h.logger.Info("event stream disconnected", slog.String("subscriber", subID))
	}()

	op := ws.OpText
	if codec.Name() == CodecNameMsgpack {
		op = ws.OpBinary
	}

	for evt := range sub.C() {
		data, err := codec.Encode(evt)
		if err != nil {
			h.logger.Warn("event encode failed",
				slog.String("subscriber", subID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
			return
		}
	}
}

// readLoop drains client frames: credit replenishment is applied,
// everything else ignored. A read error means the peer is gone, so the
// subscriber is closed to unblock the write loop.
func (h *WSHandler) readLoop(conn net.Conn, sub *Subscriber, subID string) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			h.broker.RemoveSubscriber(subID)
			return
		}
		if op != ws.OpText {
			continue
		}
		var cf creditFrame
		if json.Unmarshal(data, &cf) == nil && cf.Credits > 0 {
			sub.AddCredits(cf.Credits)
		}
	}
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{TopicJobs}
	}
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}
	if len(topics) == 0 {
		return []string{TopicJobs}
	}
	return topics
}
