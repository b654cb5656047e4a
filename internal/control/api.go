// internal/control/api.go
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/events"
	"github.com/OsbornePro/ScanLink/internal/logging"
	"github.com/OsbornePro/ScanLink/internal/qr"
	"github.com/OsbornePro/ScanLink/internal/registry"
	"github.com/OsbornePro/ScanLink/internal/server"
)

// ErrNotLoopback is returned when the configured listen address could be
// reached from another host.
var ErrNotLoopback = errors.New("control API must listen on loopback")

// Backend is the application-layer surface the API exposes.
type Backend interface {
	Start(ctx context.Context, port int) (qr.Data, error)
	Stop(ctx context.Context) error
	State() server.ServerState
	CurrentQR() (qr.Data, bool, error)
	ListDevices() []server.DeviceInfo
	ConnectedDevices() []server.DeviceInfo
	RevokeDevice(deviceID string) error
	RevokeAll() int
	RegenerateToken() (qr.Data, error)
}

type Options struct {
	ListenAddr  string
	TokenFile   string
	TokenHeader string

	// DefaultPort is used by /server/start when no ?port= is given.
	DefaultPort int
	// EventBuffer sizes each /events subscriber.
	EventBuffer int
}

// API is the loopback HTTP control surface.
type API struct {
	opts  Options
	be    Backend
	bus   *events.Bus
	token string

	// done ends /events streams so Shutdown does not wait on them.
	done     chan struct{}
	doneOnce sync.Once

	srv *http.Server
}

// New validates opts, creates the token file if needed, and registers the
// token for log redaction.
func New(opts Options, be Backend, bus *events.Bus) (*API, error) {
	if opts.TokenHeader == "" {
		opts.TokenHeader = "X-ScanLink-Token"
	}
	if !IsLoopbackListenAddr(opts.ListenAddr) {
		return nil, fmt.Errorf("%w (got %q)", ErrNotLoopback, opts.ListenAddr)
	}
	if err := InitTokenFile(opts.TokenFile); err != nil {
		return nil, fmt.Errorf("token init: %w", err)
	}
	tok, err := ReadToken(opts.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	logging.AddSecret(tok)

	return &API{
		opts:  opts,
		be:    be,
		bus:   bus,
		token: tok,
		done:  make(chan struct{}),
	}, nil
}

// Handler returns the router; every route requires the token header.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requireToken)

	r.Route("/server", func(r chi.Router) {
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Get("/state", a.handleState)
		r.Get("/qr", a.handleQR)
		r.Post("/regenerate-token", a.handleRegenerate)
	})
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", a.handleDevices)
		r.Get("/connected", a.handleConnected)
		r.Post("/revoke-all", a.handleRevokeAll)
		r.Post("/{id}/revoke", a.handleRevoke)
	})
	r.Get("/events", a.handleEvents)
	return r
}

// ListenAndServe binds the listen address and serves in the background.
func (a *API) ListenAndServe() error {
	ln, err := net.Listen("tcp", a.opts.ListenAddr)
	if err != nil {
		return err
	}
	a.srv = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	logrus.Infof("[control] control API enabled on http://%s (token file: %s, header: %s)",
		ln.Addr(), a.opts.TokenFile, a.opts.TokenHeader)

	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("[control] http server stopped")
		}
	}()
	return nil
}

// Close ends event streams and shuts the HTTP server down.
func (a *API) Close(ctx context.Context) error {
	a.doneOnce.Do(func() { close(a.done) })
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(a.opts.TokenHeader))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	port := a.opts.DefaultPort
	if q := r.URL.Query().Get("port"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 || v > 65535 {
			writeError(w, http.StatusBadRequest, "invalid port")
			return
		}
		port = v
	}
	data, err := a.be.Start(r.Context(), port)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.be.Stop(ctx); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.be.State())
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.be.State())
}

// handleQR answers null while the server is stopped.
func (a *API) handleQR(w http.ResponseWriter, _ *http.Request) {
	data, ok, err := a.be.CurrentQR()
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *API) handleRegenerate(w http.ResponseWriter, _ *http.Request) {
	data, err := a.be.RegenerateToken()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *API) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.be.ListDevices())
}

func (a *API) handleConnected(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.be.ConnectedDevices())
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.be.RevokeDevice(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"revoked": a.be.RevokeAll()})
}

// handleEvents streams bus events as Server-Sent Events.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := a.bus.Subscribe(a.opts.EventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				logrus.WithError(err).WithField("event", ev.Name).Warn("[control] could not encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, server.ErrPortInUse), errors.Is(err, server.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logrus.WithError(err).Error("[control] request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
