package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/netaddr"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header (the CLI) and pages
// served from a loopback host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host, ok := originHost(origin)
	return ok && netaddr.IsLoopbackHost(host)
}

func originHost(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Hostname(), true
}

// EventStreamer streams supervisor events over websockets
type EventStreamer struct {
	sup    Supervisor
	logger *zap.Logger
}

// NewEventStreamer creates a new event streamer
func NewEventStreamer(sup Supervisor, logger *zap.Logger) *EventStreamer {
	return &EventStreamer{sup: sup, logger: logger}
}

// HandleEvents upgrades the connection and writes every subsequent event as JSON.
func (es *EventStreamer) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		es.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck // connection is done either way

	events, unsubscribe := es.sup.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Handle client disconnect
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	es.logger.Debug("event stream connected", zap.String("remote", r.RemoteAddr))
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			es.logger.Debug("event stream closed", zap.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // peer may already be gone
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write below reports failures
			if err := conn.WriteJSON(ev); err != nil {
				es.logger.Debug("event write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
