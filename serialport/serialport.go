// Package serialport handles discovery and validation of the modem port.
// Candidate ports are probed with the device handshake; a port answering
// with a DEVICE_INFO frame hosts the expected device.
package serialport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/smsbridge/smsbridge/proto"
)

const (
	probeTimeout = 1000 * time.Millisecond

	defaultDetectMaxRetries = 10
	defaultDetectRetryDelay = 10 * time.Second

	// Frames are short; anything longer than this during a probe is noise.
	maxProbeLine = 4096
)

// deviceInfoRe matches the handshake response without decoding the JSON.
var deviceInfoRe = regexp.MustCompile(`^(.+):DEVICE_INFO:([A-Za-z0-9+/=]+)\s*$`)

// Port is the subset of the serial port surface used by the bridge.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Open opens name for the connection read loop with the given per-read
// timeout. A read that sees no data within the timeout returns n == 0.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return port, nil
}

// Prober validates candidate ports and auto-detects the device port.
// The list and open functions are swappable for tests.
type Prober struct {
	Baud       int
	MaxRetries int
	RetryDelay time.Duration

	listPorts func() ([]string, error)
	openPort  func(name string, baud int) (Port, error)
}

func NewProber(baud int) *Prober {
	return &Prober{
		Baud:       baud,
		MaxRetries: defaultDetectMaxRetries,
		RetryDelay: defaultDetectRetryDelay,
		listPorts:  serial.GetPortsList,
		openPort: func(name string, baud int) (Port, error) {
			return serial.Open(name, &serial.Mode{BaudRate: baud})
		},
	}
}

// CheckPort opens the named port, writes the handshake and reads one line.
// The port is accepted iff the line is a DEVICE_INFO frame. The port is
// closed before returning so the caller can reopen it.
func (p *Prober) CheckPort(name string) bool {
	port, err := p.openPort(name, p.Baud)
	if err != nil {
		slog.Debug("Probe could not open port", "port", name, "error", err)
		return false
	}
	defer port.Close()

	if err := port.SetReadTimeout(probeTimeout); err != nil {
		slog.Debug("Probe could not set read timeout", "port", name, "error", err)
		return false
	}
	if _, err := io.WriteString(port, proto.HandshakeCmd); err != nil {
		slog.Debug("Probe handshake write failed", "port", name, "error", err)
		return false
	}

	line, ok := readProbeLine(port)
	if !ok {
		return false
	}
	return deviceInfoRe.MatchString(line)
}

// readProbeLine reads a single line byte-wise under the port read timeout.
// A zero-byte read means the timeout expired without data.
func readProbeLine(port Port) (string, bool) {
	deadline := time.Now().Add(probeTimeout)
	buf := make([]byte, 1)
	line := make([]byte, 0, 128)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			return "", false
		}
		if n == 0 {
			return "", false
		}
		if buf[0] == '\n' {
			return string(line), true
		}
		line = append(line, buf[0])
		if len(line) > maxProbeLine {
			return "", false
		}
	}
	return "", false
}

// AutoDetect enumerates the system serial ports and probes every candidate
// concurrently, retrying the whole scan until a device answers. Among
// multiple valid devices the first in enumeration order wins.
//
// Callers must wait before reopening the returned port; the probe has just
// released it and some platforms report EBUSY on an immediate reopen.
func (p *Prober) AutoDetect(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		slog.Info("Auto-detecting serial port", "attempt", attempt, "max", p.MaxRetries)

		names, err := p.listPorts()
		if err != nil {
			slog.Error("Failed to list serial ports", "error", err)
		} else {
			slog.Info("Scanning candidate ports", "count", len(names))
			if found := p.scan(names); found != "" {
				slog.Info("Detected device port", "port", found)
				return found, nil
			}
		}

		if attempt < p.MaxRetries {
			slog.Warn("No valid device found, retrying", "delay", p.RetryDelay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.RetryDelay):
			}
		}
	}
	return "", fmt.Errorf("no device found after %d attempts", p.MaxRetries)
}

// scan probes all candidates in parallel, one goroutine per port, each
// owning its port handle for the duration of the probe.
func (p *Prober) scan(names []string) string {
	results := make([]bool, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = p.CheckPort(name)
		}(i, name)
	}
	wg.Wait()

	valid := 0
	first := ""
	for i, ok := range results {
		if ok {
			valid++
			if first == "" {
				first = names[i]
			}
		}
	}
	slog.Info("Scan complete", "candidates", len(names), "valid", valid)
	return first
}
