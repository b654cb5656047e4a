// internal/session/session.go
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/events"
	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/registry"
	"github.com/OsbornePro/ScanLink/internal/token"
)

// State is where a session sits in the pairing lifecycle.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Protocol-level rejections. None of them close the session on their own.
var (
	ErrInvalidMasterToken = errors.New("invalid master token")
	ErrInvalidAuthToken   = errors.New("invalid auth token")
	ErrUnauthorized       = errors.New("device unauthorized")
	ErrOutOfState         = errors.New("action not valid in current state")
	ErrClosed             = errors.New("session closed")
)

// Client-facing error texts.
const (
	msgInvalidToken     = "Invalid token"
	msgAlreadyAuthed    = "Already authenticated"
	msgDeviceMismatch   = "Device mismatch"
	msgNotAuthorized    = "Device not authorized"
	msgServerError      = "Server configuration error"
	msgSessionClosed    = "Session closed"
	msgTooManyErrors    = "Too many errors"
	defaultMaxErrStreak = 8
)

// Env is what a session needs from the server run that owns it.
type Env struct {
	// MasterToken returns the pairing secret currently in force.
	MasterToken func() string
	Tokens      *token.Authority
	Registry    *registry.Registry
	Limits      protocol.Limits

	// MaxConsecutiveErrors closes the session after that many rejected
	// frames in a row. Zero means the default; negative disables it.
	MaxConsecutiveErrors int

	Now func() time.Time

	// beforeBind runs between the registry check and the bind.
	beforeBind func(deviceID string)
}

// Outcome is the result of handling one inbound frame: exactly one reply,
// plus what the connection manager has to act on.
type Outcome struct {
	Reply protocol.Reply

	// Scan is set for an accepted scan and must be published.
	Scan *events.Barcode

	// Bound is set when this frame moved the session to Authenticated.
	Bound string
	// Paired is set when the binding came from a pair action.
	Paired bool

	// Close asks the manager to terminate the connection after sending Reply.
	Close bool

	// Err is the internal reason for a rejection, for logging only.
	Err error
}

// Session is the protocol state of one live connection. Handle is only ever
// called from the connection's own goroutine; the accessors are safe from any.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	env *Env

	mu         sync.Mutex
	state      State
	deviceID   string
	deviceName string
	errStreak  int
}

func New(id, remoteAddr string, env *Env) *Session {
	now := time.Now
	if env.Now != nil {
		now = env.Now
	}
	return &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now().UTC(),
		env:         env,
		state:       Unauthenticated,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the bound device, if any.
func (s *Session) Device() (id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.deviceName
}

// Close moves the session to Closed. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

func (s *Session) masterToken() string {
	if s.env.MasterToken == nil {
		return ""
	}
	return s.env.MasterToken()
}

func (s *Session) now() time.Time {
	if s.env.Now != nil {
		return s.env.Now()
	}
	return time.Now()
}

func (s *Session) log() *logrus.Entry {
	id, _ := s.Device()
	f := logrus.Fields{"session_id": s.ID, "remote": s.RemoteAddr}
	if id != "" {
		f["device_id"] = id
	}
	return logrus.WithFields(f)
}

// HandleFrame decodes one raw frame and handles it.
func (s *Session) HandleFrame(data []byte) Outcome {
	msg, err := protocol.Decode(data, s.env.Limits)
	if err != nil {
		reason := protocol.ReasonInvalidJSON
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			reason = de.Reason
		}
		return s.finish(Outcome{Reply: protocol.Error(reason), Err: err})
	}
	return s.Handle(msg)
}

// Handle applies one decoded message to the state machine.
func (s *Session) Handle(msg protocol.Message) Outcome {
	if s.State() == Closed {
		return Outcome{Reply: protocol.Error(msgSessionClosed), Close: true, Err: ErrClosed}
	}

	var out Outcome
	switch msg.Action {
	case protocol.ActionHandshake:
		out = Outcome{Reply: protocol.HandshakeAck(s.ID, s.now().Unix())}
	case protocol.ActionPair:
		out = s.pair(msg.Pair)
	case protocol.ActionReconnect:
		out = s.reconnect(msg.Reconnect)
	case protocol.ActionScan:
		out = s.scan(msg.Scan)
	default:
		out = Outcome{Reply: protocol.Error(protocol.ReasonUnknownAction), Err: protocol.ErrMalformed}
	}
	return s.finish(out)
}

// finish applies the consecutive-error budget.
func (s *Session) finish(out Outcome) Outcome {
	limit := s.env.MaxConsecutiveErrors
	if limit == 0 {
		limit = defaultMaxErrStreak
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if out.Err == nil {
		s.errStreak = 0
		return out
	}
	s.errStreak++
	if limit > 0 && s.errStreak >= limit {
		s.state = Closed
		out.Close = true
		if out.Reply.IsError() {
			out.Reply.Message = msgTooManyErrors
		}
	}
	return out
}

func (s *Session) bind(deviceID, deviceName string) {
	s.mu.Lock()
	s.state = Authenticated
	s.deviceID = deviceID
	s.deviceName = deviceName
	s.mu.Unlock()
}

// bindAuthorized binds the device, then looks it up again. A revoke that
// landed after the first lookup either shows up here, or it runs after the
// bind and finds this session to close. Reports false when the bind was undone.
func (s *Session) bindAuthorized(deviceID, deviceName string) bool {
	if s.env.beforeBind != nil {
		s.env.beforeBind(deviceID)
	}
	s.bind(deviceID, deviceName)
	if d, ok := s.env.Registry.Find(deviceID); ok && !d.Revoked {
		return true
	}

	s.mu.Lock()
	if s.state == Authenticated && s.deviceID == deviceID {
		s.state = Unauthenticated
		s.deviceID = ""
		s.deviceName = ""
	}
	s.mu.Unlock()
	return false
}

func (s *Session) pair(req *protocol.PairRequest) Outcome {
	if s.State() != Unauthenticated {
		return Outcome{Reply: protocol.Error(msgAlreadyAuthed), Err: ErrOutOfState}
	}
	if !token.MatchMaster(s.masterToken(), req.MasterToken) {
		s.log().WithField("device_id", req.DeviceID).Warn("[pair] invalid master token")
		return Outcome{Reply: protocol.Error(msgInvalidToken), Err: ErrInvalidMasterToken}
	}

	tok, err := s.env.Tokens.Issue(req.DeviceID)
	if err != nil {
		s.log().WithError(err).Error("[pair] could not issue auth token")
		return Outcome{Reply: protocol.Error(msgServerError), Err: err}
	}
	d := s.env.Registry.RegisterOrUpdate(req.DeviceID, req.DeviceName, req.DeviceModel, s.env.Tokens.Hash(tok))
	if !s.bindAuthorized(d.ID, d.Name) {
		s.log().WithField("device_id", d.ID).Warn("[pair] device revoked while pairing")
		return Outcome{Reply: protocol.Error(msgNotAuthorized), Err: ErrUnauthorized}
	}

	s.log().WithField("device_name", d.Name).Info("[pair] device paired")
	return Outcome{
		Reply:  protocol.PairAck(tok, d.ID, s.now().Unix()),
		Bound:  d.ID,
		Paired: true,
	}
}

// authenticate checks an auth token against the registry. The returned
// reply is the reconnect_ack for a failure.
func (s *Session) authenticate(deviceID, authToken string) (registry.Device, protocol.Reply, error) {
	c, err := s.env.Tokens.Verify(authToken)
	if err != nil {
		return registry.Device{}, protocol.ReconnectInvalidToken(), errors.Join(ErrInvalidAuthToken, err)
	}
	if c.DeviceID != deviceID {
		return registry.Device{}, protocol.ReconnectInvalidToken(), ErrInvalidAuthToken
	}
	d, ok := s.env.Registry.Find(deviceID)
	if !ok || d.Revoked {
		return registry.Device{}, protocol.ReconnectUnauthorized(), ErrUnauthorized
	}
	// A token from before the latest re-pair is no longer current.
	if !s.env.Tokens.MatchHash(authToken, d.AuthTokenHash) {
		return registry.Device{}, protocol.ReconnectUnauthorized(), ErrUnauthorized
	}
	return d, protocol.Reply{}, nil
}

func (s *Session) reconnect(req *protocol.ReconnectRequest) Outcome {
	if s.State() != Unauthenticated {
		return Outcome{Reply: protocol.Error(msgAlreadyAuthed), Err: ErrOutOfState}
	}
	d, rej, err := s.authenticate(req.DeviceID, req.AuthToken)
	if err != nil {
		s.log().WithField("device_id", req.DeviceID).WithError(err).Warn("[reconnect] rejected")
		return Outcome{Reply: rej, Err: err}
	}

	if !s.bindAuthorized(d.ID, d.Name) {
		s.log().WithField("device_id", d.ID).Warn("[reconnect] device revoked while reconnecting")
		return Outcome{Reply: protocol.ReconnectUnauthorized(), Err: ErrUnauthorized}
	}
	s.env.Registry.Touch(d.ID)
	s.log().Info("[reconnect] device reconnected")
	return Outcome{Reply: protocol.ReconnectConnected(d.ID, s.now().Unix()), Bound: d.ID}
}

func (s *Session) scan(msg *protocol.ScanMessage) Outcome {
	var out Outcome

	switch s.State() {
	case Authenticated:
		bound, _ := s.Device()
		if msg.DeviceID != bound {
			return Outcome{Reply: protocol.Error(msgDeviceMismatch), Err: ErrUnauthorized}
		}
		d, ok := s.env.Registry.Find(bound)
		if !ok || d.Revoked {
			return Outcome{Reply: protocol.Error(msgNotAuthorized), Err: ErrUnauthorized}
		}
	default:
		// Implicit reconnect-then-scan.
		if msg.AuthToken == "" {
			return Outcome{Reply: protocol.Error(msgInvalidToken), Err: ErrOutOfState}
		}
		d, _, err := s.authenticate(msg.DeviceID, msg.AuthToken)
		if err != nil {
			s.log().WithField("device_id", msg.DeviceID).WithError(err).Warn("[scan] token rejected")
			return Outcome{Reply: protocol.Error(msgInvalidToken), Err: err}
		}
		if !s.bindAuthorized(d.ID, d.Name) {
			s.log().WithField("device_id", d.ID).Warn("[scan] device revoked while reconnecting")
			return Outcome{Reply: protocol.Error(msgNotAuthorized), Err: ErrUnauthorized}
		}
		out.Bound = d.ID
	}

	id, name := s.Device()
	if msg.DeviceName != "" {
		name = msg.DeviceName
	}
	s.env.Registry.Touch(id)

	out.Reply = protocol.ScanAck(msg.Payload.Barcode)
	out.Scan = &events.Barcode{
		Barcode:         msg.Payload.Barcode,
		Type:            msg.Payload.Type,
		Timestamp:       s.now().UTC().Format(time.RFC3339),
		ClientTimestamp: msg.Timestamp,
		DeviceID:        id,
		DeviceName:      name,
	}
	s.log().WithField("barcode_len", len(msg.Payload.Barcode)).Info("[scan] barcode received")
	return out
}
