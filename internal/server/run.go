// internal/server/run.go
package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/OsbornePro/ScanLink/internal/qr"
	"github.com/OsbornePro/ScanLink/internal/session"
	"github.com/OsbornePro/ScanLink/internal/token"
)

// Run is one "start server" lifetime. Its master token and token key die with it.
type Run struct {
	ListenAddress string
	Port          int
	AdvertiseHost string
	StartedAt     time.Time

	masterMu sync.RWMutex
	master   string

	tokens  *token.Authority
	env     *session.Env
	httpSrv *http.Server

	// Guarded by Manager.mu.
	conns    map[string]*wsConn
	stopping bool

	wg sync.WaitGroup
}

func newRun(ln net.Listener, opts Options) (*Run, error) {
	master, err := token.NewMasterToken()
	if err != nil {
		return nil, err
	}
	auth, err := token.NewAuthority()
	if err != nil {
		return nil, err
	}

	host, port := splitListenAddr(ln.Addr())
	r := &Run{
		ListenAddress: ln.Addr().String(),
		Port:          port,
		AdvertiseHost: qr.ChooseAdvertiseHost(opts.AdvertiseHost, host),
		StartedAt:     time.Now().UTC(),
		master:        master,
		tokens:        auth,
		conns:         make(map[string]*wsConn),
	}
	r.env = &session.Env{
		MasterToken:          r.MasterToken,
		Tokens:               auth,
		Limits:               opts.Limits,
		MaxConsecutiveErrors: opts.MaxConsecutiveErrors,
	}
	return r, nil
}

// MasterToken returns the pairing secret currently in force for this run.
func (r *Run) MasterToken() string {
	r.masterMu.RLock()
	defer r.masterMu.RUnlock()
	return r.master
}

func (r *Run) rotateMaster() error {
	next, err := token.NewMasterToken()
	if err != nil {
		return err
	}
	r.masterMu.Lock()
	r.master = next
	r.masterMu.Unlock()
	return nil
}

// ConnectionInfo is the payload encoded into the pairing QR code.
func (r *Run) ConnectionInfo() qr.ConnectionInfo {
	return qr.ConnectionInfo{IP: r.AdvertiseHost, Port: r.Port, Token: r.MasterToken()}
}

func splitListenAddr(a net.Addr) (string, int) {
	if tcp, ok := a.(*net.TCPAddr); ok {
		host := ""
		if tcp.IP != nil && !tcp.IP.IsUnspecified() {
			host = tcp.IP.String()
		}
		return host, tcp.Port
	}
	return "", 0
}
