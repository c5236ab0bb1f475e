package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/muurk/iotgate/internal/devices"
	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/protocol"
	"github.com/muurk/iotgate/internal/replay"
	"go.uber.org/zap"
)

// State is the position of a connection in its lifecycle.
type State int

const (
	StateAwaitingIdentity State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingIdentity:
		return "awaiting_identity"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Conn is one device connection. All fields are owned by the server's event
// loop; the exported accessors are meant to be called from Handler callbacks.
type Conn struct {
	sock  net.Conn
	addr  string
	isTLS bool

	state    State
	deviceID protocol.DeviceID
	bound    bool

	queue        [][]byte
	partial      []byte
	lastActivity time.Time
	window       *replay.Window

	handler  Handler
	registry *devices.Registry

	closeOnce sync.Once
}

func newConn(sock net.Conn, handler Handler, registry *devices.Registry, now time.Time) *Conn {
	_, isTLS := sock.(*tls.Conn)
	return &Conn{
		sock:         sock,
		addr:         sock.RemoteAddr().String(),
		isTLS:        isTLS,
		state:        StateAwaitingIdentity,
		lastActivity: now,
		window:       replay.New(),
		handler:      handler,
		registry:     registry,
	}
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Conn) RemoteAddr() string { return c.addr }

// TLS reports whether the socket is TLS-wrapped.
func (c *Conn) TLS() bool { return c.isTLS }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// DeviceID returns the bound device id, if any.
func (c *Conn) DeviceID() (protocol.DeviceID, bool) {
	return c.deviceID, c.bound
}

// LastActivity returns the time of the most recent successful read.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// Pending returns the number of queued outbound payloads, not counting a
// partially written one.
func (c *Conn) Pending() int { return len(c.queue) }

// handleRead processes the result of one receive call. Any error is fatal for
// the connection.
func (c *Conn) handleRead(data []byte, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewError(protocol.KindProtocol, fmt.Errorf("%v", r), "handler panicked")
		}
	}()

	if len(data) == 0 {
		return protocol.NewError(protocol.KindTransport, protocol.ErrPeerClosed, "receive returned no data")
	}
	c.lastActivity = now

	logging.LogRawBytes("Received bytes", data)

	frames, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if err := c.processFrame(frame, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) processFrame(frame *protocol.Frame, now time.Time) error {
	if v := frame.Version(); v != protocol.Version {
		return protocol.NewError(protocol.KindProtocol, protocol.ErrBadVersion, "IOT header %q", v)
	}

	verdict, err := c.window.Check(frame.Time(), now)
	if err != nil {
		return protocol.NewError(protocol.KindProtocol, err, "bad TIME header")
	}
	switch verdict {
	case replay.Replayed:
		return protocol.NewError(protocol.KindSecurity, protocol.ErrReplay, "timestamp %s", frame.Time())
	case replay.Drifted:
		return protocol.NewError(protocol.KindSecurity, protocol.ErrDrift, "timestamp %s at server time %s",
			frame.Time(), now.Format(protocol.TimeLayout))
	case replay.Flooded:
		return protocol.NewError(protocol.KindSecurity, protocol.ErrFlood, "%d timestamps without a purge", replay.MaxEntries)
	case replay.Boundary:
		// Exactly at the drift limit: neither accepted nor rejected.
		logging.Debug("Dropping frame at drift boundary",
			zap.String("remote_addr", c.addr),
			zap.String("timestamp", frame.Time()),
		)
		return nil
	}

	id, err := c.identify(frame)
	if err != nil {
		return err
	}

	logging.LogFrame(c.addr, "received", id.String(), frame.Body)
	c.handler.OnMessage(id, frame.Body)
	return nil
}

// identify binds the connection on its first frame and checks every later
// frame against the bound id.
func (c *Conn) identify(frame *protocol.Frame) (protocol.DeviceID, error) {
	if c.state == StateIdentified {
		id, err := protocol.ParseDeviceID(frame.Device())
		if err != nil || id != c.deviceID {
			return 0, protocol.NewError(protocol.KindProtocol, protocol.ErrDeviceMismatch,
				"frame for %q on connection bound to %s", frame.Device(), c.deviceID)
		}
		return id, nil
	}

	id, err := protocol.ParseDeviceID(frame.Device())
	if err != nil {
		return 0, protocol.NewError(protocol.KindProtocol, err, "bad DEVICE header")
	}
	if c.registry.Contains(id) {
		return 0, protocol.NewError(protocol.KindProtocol, protocol.ErrDuplicateDevice, "device %s", id)
	}
	if !c.handler.VerifyDevice(id, frame.Key()) {
		return 0, protocol.NewError(protocol.KindProtocol, protocol.ErrAuthFailed, "device %s", id)
	}
	if !c.registry.Bind(id) {
		return 0, protocol.NewError(protocol.KindProtocol, protocol.ErrDuplicateDevice, "device %s", id)
	}

	c.deviceID = id
	c.bound = true
	c.state = StateIdentified
	logging.LogConnection(c.addr, "device_identified", zap.Stringer("device", id))
	return id, nil
}

func (c *Conn) enqueue(payload []byte) {
	c.queue = append(c.queue, append([]byte(nil), payload...))
}

func (c *Conn) wantsWrite() bool {
	return len(c.queue) > 0 || len(c.partial) > 0
}

// flush drains the send queue in order. A write that times out keeps its
// unsent tail for the next tick instead of failing the connection. TLS
// sockets are excluded: a tls.Conn cannot be written to after a timeout.
func (c *Conn) flush(now time.Time, timeout time.Duration) error {
	defer func() { _ = c.sock.SetWriteDeadline(time.Time{}) }()

	for {
		if len(c.partial) == 0 {
			if len(c.queue) == 0 {
				return nil
			}
			payload := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.partial = protocol.Encode(c.deviceID, payload, now)
			logging.LogFrame(c.addr, "sent", c.deviceID.String(), payload)
		}

		if timeout > 0 {
			if err := c.sock.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return protocol.NewError(protocol.KindTransport, err, "set write deadline")
			}
		}

		n, err := c.sock.Write(c.partial)
		c.partial = c.partial[n:]
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !c.isTLS {
				logging.Debug("Send buffer full, keeping remainder",
					zap.String("remote_addr", c.addr),
					zap.Int("remaining", len(c.partial)),
				)
				return nil
			}
			return protocol.NewError(protocol.KindTransport, err, "write failed")
		}
	}
}

func (c *Conn) idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.lastActivity) > timeout
}

// close tears the connection down. It is safe to call more than once; the
// handler's OnClose fires exactly once.
func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.state = StateClosed
		if c.bound {
			c.registry.Unbind(c.deviceID)
		}
		_ = c.sock.Close()

		defer func() {
			if r := recover(); r != nil {
				logging.Error("OnClose handler panicked",
					zap.String("remote_addr", c.addr),
					zap.Any("panic", r),
				)
			}
		}()
		c.handler.OnClose(c, reason)
	})
}
