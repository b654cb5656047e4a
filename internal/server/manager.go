// internal/server/manager.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/events"
	"github.com/OsbornePro/ScanLink/internal/logging"
	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/qr"
	"github.com/OsbornePro/ScanLink/internal/registry"
	"github.com/OsbornePro/ScanLink/internal/session"
)

var (
	// ErrPortInUse means start could not bind; the server is left stopped.
	ErrPortInUse = errors.New("port already in use")
	// ErrNotRunning is returned by operations that need a live server run.
	ErrNotRunning = errors.New("server is not running")
)

// Options tune the listener and the sessions it creates.
type Options struct {
	ListenHost    string
	AdvertiseHost string

	MaxMessageBytes      int64
	Limits               protocol.Limits
	MaxConsecutiveErrors int

	// QROutputDir, when set, receives a PNG of the pairing code on every start.
	QROutputDir  string
	QROpenViewer bool
}

// ServerState is what get_server_state reports.
type ServerState struct {
	IsRunning        bool `json:"is_running"`
	ConnectedClients int  `json:"connected_clients"`
}

// DeviceInfo is a registry entry annotated with live connection status.
type DeviceInfo struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	DeviceModel string    `json:"deviceModel,omitempty"`
	PairedAt    time.Time `json:"pairedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Revoked     bool      `json:"revoked"`
	IsConnected bool      `json:"isConnected"`
}

// Manager owns at most one server run and every live session inside it.
type Manager struct {
	opts Options
	reg  *registry.Registry
	bus  *events.Bus

	upgrader websocket.Upgrader

	// lifecycle serializes Start, Stop and RegenerateToken.
	lifecycle sync.Mutex

	mu  sync.Mutex
	run *Run
}

func NewManager(opts Options, reg *registry.Registry, bus *events.Bus) *Manager {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 4096
	}
	return &Manager{
		opts: opts,
		reg:  reg,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Mobile clients do not send a browser Origin; the master token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins a new server run on port, stopping any current run first.
// Port 0 binds an ephemeral port.
func (m *Manager) Start(ctx context.Context, port int) (qr.Data, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.current() != nil {
		logrus.Info("[net] restarting: stopping current run first")
		if err := m.stopLocked(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return qr.Data{}, err
		}
	}

	addr := net.JoinHostPort(m.opts.ListenHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return qr.Data{}, fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return qr.Data{}, fmt.Errorf("listen %s: %w", addr, err)
	}

	run, err := newRun(ln, m.opts)
	if err != nil {
		_ = ln.Close()
		return qr.Data{}, err
	}
	run.env.Registry = m.reg

	data, err := qr.Render(run.ConnectionInfo())
	if err != nil {
		_ = ln.Close()
		run.tokens.Destroy()
		return qr.Data{}, err
	}

	r := chi.NewRouter()
	r.Get("/", m.serveWS(run))
	r.Get("/ws", m.serveWS(run))
	run.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	m.mu.Lock()
	m.run = run
	m.mu.Unlock()

	logging.AddSecret(run.MasterToken())
	go func() {
		if err := run.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("[net] listener stopped")
		}
	}()

	logrus.Infof("[net] listening on %s (advertise %s:%d)", run.ListenAddress, run.AdvertiseHost, run.Port)
	m.writePairQR(run)
	m.bus.Publish(events.ServerStarted, data)
	return data, nil
}

// Stop terminates every session, invalidates the master token and the run key,
// and returns once every connection goroutine has exited.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	run := m.run
	if run == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.run = nil
	run.stopping = true
	conns := make([]*wsConn, 0, len(run.conns))
	for _, c := range run.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	_ = run.httpSrv.Close()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server stopping")
	}

	done := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
	}

	logging.RemoveSecret(run.MasterToken())
	run.tokens.Destroy()
	logrus.WithField("sessions", len(conns)).Info("[net] server stopped")
	m.bus.Publish(events.ServerStopped, nil)
	return err
}

// RegenerateToken replaces the master token of the current run. Sessions and
// issued auth tokens stay valid; only new pairings need the new code.
func (m *Manager) RegenerateToken() (qr.Data, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	run := m.current()
	if run == nil {
		return qr.Data{}, ErrNotRunning
	}
	old := run.MasterToken()
	if err := run.rotateMaster(); err != nil {
		return qr.Data{}, err
	}
	logging.RemoveSecret(old)
	logging.AddSecret(run.MasterToken())

	data, err := qr.Render(run.ConnectionInfo())
	if err != nil {
		return qr.Data{}, err
	}
	logrus.Info("[pair] master token regenerated")
	m.writePairQR(run)
	m.bus.Publish(events.ServerStarted, data)
	return data, nil
}

// State reports whether a run is live and how many sessions are authenticated.
func (m *Manager) State() ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ServerState{}
	}
	n := 0
	for _, c := range m.run.conns {
		if c.sess.State() == session.Authenticated {
			n++
		}
	}
	return ServerState{IsRunning: true, ConnectedClients: n}
}

// PairingPayload returns what the QR code encodes, while a run is live.
func (m *Manager) PairingPayload() (qr.ConnectionInfo, bool) {
	run := m.current()
	if run == nil {
		return qr.ConnectionInfo{}, false
	}
	return run.ConnectionInfo(), true
}

// CurrentQR renders the pairing payload, or reports false when stopped.
func (m *Manager) CurrentQR() (qr.Data, bool, error) {
	info, ok := m.PairingPayload()
	if !ok {
		return qr.Data{}, false, nil
	}
	d, err := qr.Render(info)
	return d, true, err
}

// ListDevices returns every registered device with its connection status.
func (m *Manager) ListDevices() []DeviceInfo {
	connected := m.connectedSet()
	devs := m.reg.List()
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{
			DeviceID:    d.ID,
			DeviceName:  d.Name,
			DeviceModel: d.Model,
			PairedAt:    d.PairedAt,
			LastSeen:    d.LastSeen,
			Revoked:     d.Revoked,
			IsConnected: connected[d.ID],
		})
	}
	return out
}

// ConnectedDevices returns only devices with an authenticated session.
func (m *Manager) ConnectedDevices() []DeviceInfo {
	all := m.ListDevices()
	out := all[:0]
	for _, d := range all {
		if d.IsConnected {
			out = append(out, d)
		}
	}
	return out
}

// RevokeDevice revokes a device and drops its live sessions.
func (m *Manager) RevokeDevice(deviceID string) error {
	if err := m.reg.Revoke(deviceID); err != nil {
		return err
	}
	n := m.closeDeviceSessions(deviceID, "", "device revoked")
	logrus.WithFields(logrus.Fields{"device_id": deviceID, "sessions_closed": n}).Info("[pair] device revoked")
	m.bus.Publish(events.DeviceRevoked, events.DeviceRef{DeviceID: deviceID})
	return nil
}

// RevokeAll revokes every device and drops every authenticated session.
func (m *Manager) RevokeAll() int {
	n := m.reg.RevokeAll()
	for _, d := range m.reg.List() {
		m.closeDeviceSessions(d.ID, "", "device revoked")
	}
	logrus.WithField("revoked", n).Info("[pair] all devices revoked")
	m.bus.Publish(events.DeviceRevoked, events.DeviceRef{})
	return n
}

// Close stops the current run, if any.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

func (m *Manager) current() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

func (m *Manager) connectedSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	if m.run == nil {
		return out
	}
	for _, c := range m.run.conns {
		if c.sess.State() != session.Authenticated {
			continue
		}
		if id, _ := c.sess.Device(); id != "" {
			out[id] = true
		}
	}
	return out
}

// closeDeviceSessions closes every session bound to deviceID except keepID.
func (m *Manager) closeDeviceSessions(deviceID, keepID, reason string) int {
	m.mu.Lock()
	var victims []*wsConn
	if m.run != nil {
		for id, c := range m.run.conns {
			if id == keepID {
				continue
			}
			if dev, _ := c.sess.Device(); dev == deviceID {
				c.sess.Close()
				victims = append(victims, c)
			}
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.shutdown(websocket.ClosePolicyViolation, reason)
	}
	return len(victims)
}

func (m *Manager) writePairQR(run *Run) {
	if m.opts.QROutputDir == "" {
		return
	}
	p, err := qr.WriteAndOpen(m.opts.QROutputDir, run.ConnectionInfo(), m.opts.QROpenViewer)
	if err != nil {
		logrus.WithError(err).Warn("[pair] could not write/open pairing QR")
		return
	}
	logrus.Infof("[pair] pairing QR written to %s", p)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "address already in use") ||
		strings.Contains(s, "only one usage of each socket address")
}
