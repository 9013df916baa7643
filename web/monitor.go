// Package web serves the local monitoring surface: a small JSON status
// API and a websocket feed of link events.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/mdns"

	"github.com/smsbridge/smsbridge/conn"
	"github.com/smsbridge/smsbridge/store"
)

var upgrader = websocket.Upgrader{
	// Local monitoring surface, not exposed beyond the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LinkStatus exposes the connection manager state.
type LinkStatus interface {
	Status() conn.Status
}

// MessageStore is the read-only slice of the store the monitor serves.
type MessageStore interface {
	Unacknowledged() ([]store.SmsMessage, error)
	CountTotal() (int64, error)
	CountUnacknowledged() (int64, error)
}

type Monitor struct {
	addr       string
	link       LinkStatus
	store      MessageStore
	enableMdns bool

	server     *http.Server
	mdnsServer *mdns.Server

	cmu     sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewMonitor(addr string, link LinkStatus, st MessageStore, enableMdns bool) *Monitor {
	return &Monitor{
		addr:       addr,
		link:       link,
		store:      st,
		enableMdns: enableMdns,
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

func (m *Monitor) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", m.handleStatus)
	r.Get("/api/messages/unacknowledged", m.handleUnacknowledged)
	r.Get("/ws", m.handleWebSocket)
	return r
}

// Start blocks serving HTTP until Shutdown is called.
func (m *Monitor) Start() error {
	slog.Info("Starting monitor server", "addr", m.addr)
	m.server = &http.Server{Addr: m.addr, Handler: m.routes()}

	if m.enableMdns {
		m.advertise()
	}

	err := m.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down monitor server")
	if m.mdnsServer != nil {
		m.mdnsServer.Shutdown()
	}

	m.cmu.Lock()
	for client := range m.clients {
		client.Close()
	}
	m.clients = make(map[*websocket.Conn]struct{})
	m.cmu.Unlock()

	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// advertise announces the monitor on the LAN as _smsbridge._tcp so
// dashboards can find the bridge without configuration.
func (m *Monitor) advertise() {
	_, portStr, err := net.SplitHostPort(m.addr)
	if err != nil {
		slog.Warn("Cannot advertise monitor, bad listen address", "addr", m.addr, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		slog.Warn("Cannot advertise monitor, bad listen port", "addr", m.addr, "error", err)
		return
	}
	host, err := os.Hostname()
	if err != nil {
		host = "smsbridge"
	}

	service, err := mdns.NewMDNSService(host, "_smsbridge._tcp", "", "", port, nil,
		[]string{"sms bridge monitor"})
	if err != nil {
		slog.Warn("Failed to build mDNS service", "error", err)
		return
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		slog.Warn("Failed to start mDNS server", "error", err)
		return
	}
	m.mdnsServer = server
	slog.Info("Advertising monitor via mDNS", "service", "_smsbridge._tcp", "port", port)
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := m.store.CountTotal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	unacked, err := m.store.CountUnacknowledged()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := m.link.Status()
	writeJSON(w, map[string]any{
		"state":              status.State,
		"reconnect_attempts": status.ReconnectAttempts,
		"total":              total,
		"unacknowledged":     unacked,
	})
}

func (m *Monitor) handleUnacknowledged(w http.ResponseWriter, r *http.Request) {
	msgs, err := m.store.Unacknowledged()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.SmsMessage{}
	}
	writeJSON(w, msgs)
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("Monitor client connected", "remote_addr", r.RemoteAddr)

	m.cmu.Lock()
	m.clients[ws] = struct{}{}
	m.cmu.Unlock()

	// The feed is one-way; reads only detect the peer going away.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		m.cmu.Lock()
		delete(m.clients, ws)
		m.cmu.Unlock()
		ws.Close()
		slog.Info("Monitor client disconnected", "remote_addr", r.RemoteAddr)
	}()
}

// Broadcast pushes a link event to every connected websocket client.
// Clients whose writes fail are dropped.
func (m *Monitor) Broadcast(evt conn.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to encode event", "error", err)
		return
	}

	m.cmu.Lock()
	defer m.cmu.Unlock()
	for client := range m.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("Dropping slow monitor client", "error", err)
			client.Close()
			delete(m.clients, client)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
