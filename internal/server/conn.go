// internal/server/conn.go
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/events"
	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/session"
)

const writeWait = 10 * time.Second

// wsConn pairs a websocket with its session. Only the connection's own
// goroutine writes data frames; anyone may call shutdown.
type wsConn struct {
	ws   *websocket.Conn
	sess *session.Session

	closeOnce sync.Once
}

// shutdown sends a close frame (best effort) and closes the socket, which
// unblocks the reader goroutine.
func (c *wsConn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (m *Manager) serveWS(run *Run) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		if run.stopping {
			m.mu.Unlock()
			http.Error(w, "server stopping", http.StatusServiceUnavailable)
			return
		}
		run.wg.Add(1)
		m.mu.Unlock()
		defer run.wg.Done()

		ws, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).WithField("remote", r.RemoteAddr).Warn("[net] websocket upgrade failed")
			return
		}
		ws.SetReadLimit(m.opts.MaxMessageBytes)

		c := &wsConn{
			ws:   ws,
			sess: session.New(uuid.NewString(), r.RemoteAddr, run.env),
		}

		m.mu.Lock()
		if run.stopping {
			m.mu.Unlock()
			c.shutdown(websocket.CloseGoingAway, "server stopping")
			return
		}
		run.conns[c.sess.ID] = c
		m.mu.Unlock()

		log := logrus.WithFields(logrus.Fields{"session_id": c.sess.ID, "remote": r.RemoteAddr})
		log.Info("[net] client connected")

		m.readLoop(run, c, log)

		m.mu.Lock()
		delete(run.conns, c.sess.ID)
		m.mu.Unlock()
		c.sess.Close()
		c.shutdown(websocket.CloseNormalClosure, "")

		dev, _ := c.sess.Device()
		log.WithField("device_id", dev).Info("[net] client disconnected")
	}
}

func (m *Manager) readLoop(run *Run, c *wsConn, log *logrus.Entry) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// The close frame (1009) has already gone out; nothing else may be written.
				log.Warn("[net] frame over max_message_bytes; closing")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("[net] read ended")
			}
			return
		}

		out := c.sess.HandleFrame(data)
		if out.Err != nil {
			log.WithError(out.Err).Debug("[net] frame rejected")
		}
		if err := m.writeReply(c, out.Reply); err != nil {
			log.WithError(err).Debug("[net] write failed")
			return
		}

		if out.Bound != "" {
			m.onBound(run, c, out)
		}
		if out.Scan != nil {
			m.bus.Publish(events.BarcodeReceived, *out.Scan)
		}
		if out.Close {
			log.Warn("[net] closing session after repeated errors")
			return
		}
	}
}

func (m *Manager) writeReply(c *wsConn, r protocol.Reply) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, protocol.Encode(r))
}

// onBound makes the newly authenticated session the only one for its device.
func (m *Manager) onBound(run *Run, c *wsConn, out session.Outcome) {
	if n := m.closeDeviceSessions(out.Bound, c.sess.ID, "replaced by newer connection"); n > 0 {
		logrus.WithFields(logrus.Fields{"device_id": out.Bound, "replaced": n}).Info("[net] removed older connection(s) for device")
	}
	if out.Paired {
		_, name := c.sess.Device()
		m.bus.Publish(events.DevicePaired, events.DeviceRef{DeviceID: out.Bound, DeviceName: name})
	}
}
