package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	svcerrors "github.com/R3E-Network/confidential_layer/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	streamBuffer   = 256
	replayPage     = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers are admitted by the CORS middleware; bearer tokens guard the rest.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and pushes log entries as JSON text
// frames. When ?after= is present, entries after it are replayed from
// storage before live entries flow. ?request_id= narrows the stream to one request. A client
// that cannot keep up is disconnected rather than allowed to stall the hub.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	after, _, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var requestID uint64
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		requestID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, svcerrors.InvalidFormat("request_id", "must be an unsigned 64-bit integer"))
			return
		}
	}
	if h.svc.Hub == nil {
		h.writeError(w, r, svcerrors.Internal("event stream unavailable", nil))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before replaying so nothing published in between is lost.
	live := make(chan computation.LogEntry, streamBuffer)
	var overflow sync.Once
	unsubscribe := h.svc.Hub.SubscribeFiltered(func(e computation.LogEntry) bool {
		return requestID == 0 || e.RequestID == requestID
	}, func(e computation.LogEntry) {
		select {
		case live <- e:
		default:
			overflow.Do(cancel)
		}
	})
	defer unsubscribe()

	go h.readPump(conn, cancel)

	write := func(e computation.LogEntry) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e)
	}

	// replayed is the highest sequence already sent from storage; live
	// entries at or below it are duplicates.
	replayed := after
	if r.URL.Query().Has("after") {
		for {
			page, err := h.svc.Runtime.Events(ctx, replayed, replayPage)
			if err != nil {
				h.log.WithContext(r.Context()).WithError(err).Warn("event replay failed")
				return
			}
			for _, e := range page {
				if requestID != 0 && e.RequestID != requestID {
					replayed = e.Seq
					continue
				}
				if err := write(e); err != nil {
					return
				}
				replayed = e.Seq
			}
			if len(page) < replayPage {
				break
			}
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(writeWait))
			return
		case e := <-live:
			if e.Seq != 0 && e.Seq <= replayed {
				continue
			}
			if err := write(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *handler) readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket closed")
			}
			return
		}
	}
}
