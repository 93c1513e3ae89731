package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/marcus/kept/internal/remote"
)

// Hub fans committed changes out to websocket subscribers of the same user,
// skipping the device that made the change.
type Hub struct {
	clients   map[*subscriber]bool
	clientsMu sync.RWMutex

	broadcast chan envelope
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscriber struct {
	conn     *websocket.Conn
	userID   string
	deviceID string
}

type envelope struct {
	userID   string
	deviceID string
	data     []byte
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(metrics *Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*subscriber]bool),
		broadcast: make(chan envelope, 256),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Publish queues a change for userID's other devices. It never blocks; a
// full queue drops the message and subscribers catch up on reconcile.
func (h *Hub) Publish(userID, deviceID string, c remote.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		slog.Error("marshal change", "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{userID: userID, deviceID: deviceID, data: data}:
	case <-h.ctx.Done():
	default:
		slog.Warn("change broadcast full, dropping", "collection", c.Collection, "id", c.ID)
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()
	h.clientsMu.Lock()
	for sub := range h.clients {
		_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, sub)
	}
	h.clientsMu.Unlock()
	h.wg.Wait()
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case env := <-h.broadcast:
			h.clientsMu.RLock()
			var targets []*subscriber
			for sub := range h.clients {
				if sub.userID == env.userID && (env.deviceID == "" || sub.deviceID != env.deviceID) {
					targets = append(targets, sub)
				}
			}
			h.clientsMu.RUnlock()

			for _, sub := range targets {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := sub.conn.Write(ctx, websocket.MessageText, env.data)
				cancel()
				if err != nil {
					slog.Debug("write change", "user", sub.userID, "err", err)
					h.removeClient(sub)
					continue
				}
				if h.metrics != nil {
					h.metrics.RecordPushed(1)
				}
			}
		}
	}
}

func (h *Hub) add(sub *subscriber) int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[sub] = true
	return len(h.clients)
}

// readLoop keeps the connection alive until the client goes away.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.removeClient(sub)
	for {
		if _, _, err := sub.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(sub *subscriber) {
	h.clientsMu.Lock()
	if _, ok := h.clients[sub]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, sub)
	n := len(h.clients)
	h.clientsMu.Unlock()

	_ = sub.conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("subscriber disconnected", "user", sub.userID, "total", n)
}

// handleChanges upgrades GET /v1/changes to a websocket carrying the
// authenticated user's changes.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.config.CORSAllowedOrigins),
	})
	if err != nil {
		logFor(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	sub := &subscriber{conn: conn, userID: user.UserID, deviceID: user.DeviceID}
	n := s.hub.add(sub)
	logFor(r.Context()).Debug("subscriber connected", "device", user.DeviceID, "total", n)
	go s.hub.readLoop(sub)
}
