// Package conn maintains the serial link to the modem: discovery,
// validation, the read loop and the per-SMS pipeline.
package conn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smsbridge/smsbridge/config"
	"github.com/smsbridge/smsbridge/notify"
	"github.com/smsbridge/smsbridge/proto"
	"github.com/smsbridge/smsbridge/serialport"
	"github.com/smsbridge/smsbridge/store"
)

// State of the connection state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateValidating   State = "validating"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	// Grace periods before reopening a port the probe just released.
	// Some platforms report EBUSY on an immediate reopen.
	detectReleaseGrace   = 1000 * time.Millisecond
	validateReleaseGrace = 500 * time.Millisecond

	// A silent link is not an error; the modem only speaks when it has
	// something to say. This only paces the liveness log line.
	idleLogInterval = 30 * time.Second
)

// Status is a point-in-time snapshot for the monitoring surfaces.
type Status struct {
	State             State `json:"state"`
	ReconnectAttempts int   `json:"reconnect_attempts"`
}

// Event is emitted on state transitions and processed frames.
type Event struct {
	Kind      string `json:"kind"` // "state", "sms" or "device_info"
	State     State  `json:"state,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Id        string `json:"id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Imei      string `json:"imei,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SmsStore is the slice of the store the connection manager mutates.
type SmsStore interface {
	InsertSms(msg store.SmsMessage) error
	MarkAcknowledged(id string) error
}

// Detector finds and validates the device port.
type Detector interface {
	AutoDetect(ctx context.Context) (string, error)
	CheckPort(name string) bool
}

// Manager owns the serial handle for the lifetime of a connection and
// drives the discover/validate/read/reconnect cycle.
type Manager struct {
	cfg      config.SerialConfig
	store    SmsStore
	notifier notify.Notifier
	detector Detector
	dial     func(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error)

	onEvent func(Event)

	// Port-release grace periods, kept as explicit state machine delays.
	detectGrace   time.Duration
	validateGrace time.Duration

	mu         sync.RWMutex
	state      State
	reconnects int
}

func NewManager(cfg config.SerialConfig, st SmsStore, notifier notify.Notifier) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		detector: serialport.NewProber(cfg.BaudRate),
		dial: func(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
			return serialport.Open(name, baud, timeout)
		},
		detectGrace:   detectReleaseGrace,
		validateGrace: validateReleaseGrace,
		state:         StateInitializing,
	}
}

// OnEvent registers a callback invoked for every state transition and
// processed frame. Must be set before Run.
func (m *Manager) OnEvent(fn func(Event)) {
	m.onEvent = fn
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{State: m.state, ReconnectAttempts: m.reconnects}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	attempts := m.reconnects
	m.mu.Unlock()
	m.emit(Event{Kind: "state", State: s, Attempts: attempts, Timestamp: time.Now().Unix()})
}

func (m *Manager) emit(evt Event) {
	if m.onEvent != nil {
		m.onEvent(evt)
	}
}

// Run drives the connection until ctx is cancelled (returns nil) or the
// link cannot be established at all (returns the fatal error).
func (m *Manager) Run(ctx context.Context) error {
	for {
		portName, err := m.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		slog.Info("Opening serial port", "port", portName, "baud", m.cfg.BaudRate)
		port, err := m.dial(portName, m.cfg.BaudRate, m.timeout())
		if err != nil {
			return fmt.Errorf("open serial port %s: %w", portName, err)
		}

		session := "conn-" + uuid.NewString()[:8]
		slog.Info("Serial port opened, entering message loop", "port", portName, "session", session)

		err = m.readLoop(ctx, port)
		port.Close()
		if ctx.Err() != nil {
			slog.Info("Connection closed on shutdown", "session", session)
			return nil
		}

		slog.Error("Connection lost", "session", session, "error", err)
		m.mu.Lock()
		m.reconnects++
		m.mu.Unlock()
		m.setState(StateReconnecting)

		slog.Warn("Reconnecting after delay", "delay_ms", m.cfg.RetryDelayMs)
		if err := sleep(ctx, m.retryDelay()); err != nil {
			return nil
		}
	}
}

// establish resolves the port name (configured or auto-detected) and
// validates it with the handshake probe, retrying per configuration.
func (m *Manager) establish(ctx context.Context) (string, error) {
	slog.Info("Establishing serial connection")
	m.setState(StateInitializing)

	var portName string
	if strings.EqualFold(m.cfg.PortName, "auto") {
		slog.Info("Auto-detecting serial port")
		name, err := m.detector.AutoDetect(ctx)
		if err != nil {
			m.setState(StateFailed)
			return "", fmt.Errorf("auto-detect serial port: %w", err)
		}
		slog.Info("Auto-detected port", "port", name)
		if err := sleep(ctx, m.detectGrace); err != nil {
			return "", err
		}
		portName = name
	} else {
		slog.Info("Using configured port", "port", m.cfg.PortName)
		portName = m.cfg.PortName
	}

	for attempt := 1; attempt <= m.cfg.MaxRetryCount; attempt++ {
		m.setState(StateValidating)
		slog.Info("Validating port", "port", portName, "attempt", attempt, "max", m.cfg.MaxRetryCount)

		if m.detector.CheckPort(portName) {
			slog.Info("Port validated", "port", portName)
			if err := sleep(ctx, m.validateGrace); err != nil {
				return "", err
			}
			m.setState(StateConnected)
			return portName, nil
		}

		slog.Warn("Port validation failed", "port", portName, "attempt", attempt, "max", m.cfg.MaxRetryCount)
		if attempt < m.cfg.MaxRetryCount {
			if err := sleep(ctx, m.retryDelay()); err != nil {
				return "", err
			}
		}
	}

	m.setState(StateFailed)
	return "", fmt.Errorf("port %s failed validation after %d attempts", portName, m.cfg.MaxRetryCount)
}

// readLoop reads CRLF-delimited frames until the transport fails. Frames
// are handled strictly in arrival order. A quiet link only produces a
// periodic liveness note.
func (m *Manager) readLoop(ctx context.Context, port io.ReadWriteCloser) error {
	if _, err := io.WriteString(port, proto.HandshakeCmd); err != nil {
		slog.Error("Failed to send handshake", "error", err)
	} else {
		slog.Info("Handshake sent")
	}

	buf := make([]byte, 4096)
	var pending []byte
	lastData := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection closed: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			// Per-read timeout expired without data.
			if time.Since(lastData) >= idleLogInterval {
				slog.Info("No data received recently, still waiting",
					"idle", time.Since(lastData).Round(time.Second))
				lastData = time.Now()
			}
			continue
		}
		lastData = time.Now()

		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(pending[:i]), "\r")
			pending = pending[i+1:]
			if err := m.handleLine(line, port); err != nil {
				return err
			}
		}
	}
}

// handleLine decodes and processes one frame. Decode failures and
// per-frame store errors are logged and skipped; only a failed ACK write
// is returned, because the transport itself is then suspect.
func (m *Manager) handleLine(line string, w io.Writer) error {
	if line == "" {
		return nil
	}
	msg, ok := proto.ParseLine(line)
	if !ok {
		slog.Warn("Failed to parse frame", "line", line)
		return nil
	}

	switch msg.Kind {
	case proto.KindSmsReceived:
		return m.processSms(msg, w)
	case proto.KindDeviceInfo:
		info := msg.Device
		slog.Info("Device info",
			"imei", info.Imei, "number", info.Number,
			"status", info.Status, "rssi", info.Rssi, "iccid", info.Iccid)
		m.emit(Event{Kind: "device_info", Id: msg.Id, Imei: info.Imei, Timestamp: time.Now().Unix()})
	case proto.KindSystemInit:
		slog.Info("System init", "id", msg.Id, "payload", string(msg.Raw))
	case proto.KindHeartBeat:
		slog.Debug("Heartbeat", "id", msg.Id, "payload", string(msg.Raw))
	default:
		slog.Warn("Unknown message type", "type", msg.TypeTag, "id", msg.Id)
	}
	return nil
}

// processSms runs the pipeline: insert, notify, ACK, mark acknowledged.
// The ACK leaves the host only after the insert has committed, and the
// store records the ACK only after its bytes hit the write path.
func (m *Manager) processSms(msg *proto.Message, w io.Writer) error {
	sms := msg.Sms
	slog.Info("SMS received", "id", msg.Id, "sender", sms.Sender)

	metas := ""
	if len(sms.Metas) > 0 {
		metas = string(sms.Metas)
	}

	// The outer frame id is authoritative, even when the payload carries
	// a different one. Storage and ACK both key on it.
	record := store.SmsMessage{
		Id:         msg.Id,
		Sender:     sms.Sender,
		Content:    sms.Content,
		ReceivedAt: sms.ReceivedAt,
		Metas:      metas,
	}
	if err := m.store.InsertSms(record); err != nil {
		// No ACK for an uncommitted record; the device retransmits.
		slog.Error("Failed to store SMS", "id", msg.Id, "error", err)
		return nil
	}

	if err := m.notifier.Send("SMS from "+sms.Sender, sms.Content); err != nil {
		slog.Warn("Failed to send notification", "id", msg.Id, "error", err)
	}

	if err := proto.WriteAck(w, msg.Id); err != nil {
		return fmt.Errorf("write ack for %s: %w", msg.Id, err)
	}
	slog.Info("Sent ACK", "id", msg.Id)

	if err := m.store.MarkAcknowledged(msg.Id); err != nil {
		// The device already saw the ACK; losing the marker is not worth
		// tearing down the link.
		slog.Warn("Failed to mark SMS acknowledged", "id", msg.Id, "error", err)
	}

	m.emit(Event{Kind: "sms", Id: msg.Id, Sender: sms.Sender, Timestamp: time.Now().Unix()})
	return nil
}

func (m *Manager) retryDelay() time.Duration {
	return time.Duration(m.cfg.RetryDelayMs) * time.Millisecond
}

func (m *Manager) timeout() time.Duration {
	return time.Duration(m.cfg.TimeoutMs) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
