package server

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/muurk/iotgate/internal/devices"
	"github.com/muurk/iotgate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T, h Handler, reg *devices.Registry) (*Conn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		_ = serverSide.Close()
		_ = clientSide.Close()
	})
	return newConn(serverSide, h, reg, testNow), clientSide
}

func TestConnHelloBindsDevice(t *testing.T) {
	h := &recorder{}
	reg := devices.NewRegistry()
	c, _ := newPipeConn(t, h, reg)

	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))

	assert.Equal(t, []received{{id: testDevice, body: "hello"}}, h.Messages())
	assert.Equal(t, []string{"AJ"}, h.keys)
	assert.True(t, reg.Contains(testDevice))
	assert.Equal(t, StateIdentified, c.State())

	id, bound := c.DeviceID()
	assert.True(t, bound)
	assert.Equal(t, testDevice, id)
	assert.False(t, c.TLS())
}

func TestConnFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*recorder, *devices.Registry)
		data    string
		kind    protocol.Kind
		wantErr error
	}{
		{
			name:    "empty read",
			data:    "",
			kind:    protocol.KindTransport,
			wantErr: protocol.ErrPeerClosed,
		},
		{
			name: "four headers",
			data: "IOT:1.1\r\nDATE:24/7/2019\r\nTIME:10.00.00.000000\r\nDEVICE:1234567890\r\n\r\nhello|#|",
			kind: protocol.KindFraming,
		},
		{
			name:    "bad version",
			data:    "IOT:1.0\r\nDATE:24/7/2019\r\nTIME:10.00.00.000000\r\nDEVICE:1234567890\r\nKEY:AJ\r\n\r\nhello|#|",
			kind:    protocol.KindProtocol,
			wantErr: protocol.ErrBadVersion,
		},
		{
			name:    "drift",
			data:    buildFrame(testDeviceStr, "10.00.05.000000", "hello"),
			kind:    protocol.KindSecurity,
			wantErr: protocol.ErrDrift,
		},
		{
			name: "bad timestamp",
			data: buildFrame(testDeviceStr, "10:00:00", "hello"),
			kind: protocol.KindProtocol,
		},
		{
			name: "short device id",
			data: buildFrame("12345", "10.00.00.000000", "hello"),
			kind: protocol.KindProtocol,
		},
		{
			name:    "verification fails",
			setup:   func(r *recorder, _ *devices.Registry) { r.reject = true },
			data:    helloFrame(),
			kind:    protocol.KindProtocol,
			wantErr: protocol.ErrAuthFailed,
		},
		{
			name:    "device bound elsewhere",
			setup:   func(_ *recorder, reg *devices.Registry) { reg.Bind(testDevice) },
			data:    helloFrame(),
			kind:    protocol.KindProtocol,
			wantErr: protocol.ErrDuplicateDevice,
		},
		{
			name:  "handler panics",
			setup: func(r *recorder, _ *devices.Registry) { r.panicOn = "hello" },
			data:  helloFrame(),
			kind:  protocol.KindProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recorder{}
			reg := devices.NewRegistry()
			if tt.setup != nil {
				tt.setup(h, reg)
			}
			c, _ := newPipeConn(t, h, reg)

			err := c.handleRead([]byte(tt.data), testNow)
			require.Error(t, err)
			assert.Equal(t, tt.kind, protocol.KindOf(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, h.Messages())
		})
	}
}

func TestConnDuplicateDeviceKeepsOtherBinding(t *testing.T) {
	h := &recorder{}
	reg := devices.NewRegistry()
	first, _ := newPipeConn(t, h, reg)
	second, _ := newPipeConn(t, h, reg)

	require.NoError(t, first.handleRead([]byte(helloFrame()), testNow))

	err := second.handleRead([]byte(helloFrame()), testNow)
	require.ErrorIs(t, err, protocol.ErrDuplicateDevice)
	second.close(err)

	assert.True(t, reg.Contains(testDevice), "first connection keeps its binding")
	assert.Equal(t, StateIdentified, first.State())
}

func TestConnReplayIsFatal(t *testing.T) {
	h := &recorder{}
	reg := devices.NewRegistry()
	c, _ := newPipeConn(t, h, reg)

	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))

	err := c.handleRead([]byte(helloFrame()), testNow)
	require.ErrorIs(t, err, protocol.ErrReplay)
	assert.Equal(t, protocol.KindSecurity, protocol.KindOf(err))
	assert.Len(t, h.Messages(), 1, "replayed frame is not delivered")

	c.close(err)
	assert.False(t, reg.Contains(testDevice))
	assert.Equal(t, StateClosed, c.State())
}

func TestConnDeviceMismatchUnbinds(t *testing.T) {
	h := &recorder{}
	reg := devices.NewRegistry()
	c, _ := newPipeConn(t, h, reg)

	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))

	err := c.handleRead([]byte(buildFrame("0000000001", "10.00.01.000000", "other")), testNow)
	require.ErrorIs(t, err, protocol.ErrDeviceMismatch)

	c.close(err)
	assert.False(t, reg.Contains(testDevice))
	assert.Len(t, h.Messages(), 1)

	closes := h.Closes()
	require.Len(t, closes, 1)
	assert.ErrorIs(t, closes[0].err, protocol.ErrDeviceMismatch)
	assert.Equal(t, testDevice, closes[0].id)
}

func TestConnDriftBoundaryDropsFrame(t *testing.T) {
	h := &recorder{}
	reg := devices.NewRegistry()
	c, _ := newPipeConn(t, h, reg)

	// Exactly three seconds ahead: dropped, not stored, connection stays open.
	stamp := "10.00.03.000000"
	require.NoError(t, c.handleRead([]byte(buildFrame(testDeviceStr, stamp, "hello")), testNow))

	assert.Empty(t, h.Messages())
	assert.False(t, c.window.Contains(stamp))
	assert.Equal(t, StateAwaitingIdentity, c.State())
	assert.False(t, reg.Contains(testDevice))

	// The same stamp is therefore not a replay once the clock catches up.
	require.NoError(t, c.handleRead([]byte(buildFrame(testDeviceStr, stamp, "hello")), testNow.Add(3*time.Second)))
	assert.Len(t, h.Messages(), 1)
}

func TestConnFramesInOneReadKeepOrder(t *testing.T) {
	h := &recorder{}
	c, _ := newPipeConn(t, h, devices.NewRegistry())

	data := buildFrame(testDeviceStr, "10.00.00.000000", "first") +
		buildFrame(testDeviceStr, "10.00.00.500000", "second")
	require.NoError(t, c.handleRead([]byte(data), testNow))

	assert.Equal(t, []received{
		{id: testDevice, body: "first"},
		{id: testDevice, body: "second"},
	}, h.Messages())
}

func TestConnLastActivity(t *testing.T) {
	c, _ := newPipeConn(t, &recorder{}, devices.NewRegistry())
	assert.Equal(t, testNow, c.LastActivity())

	later := testNow.Add(time.Second)
	require.NoError(t, c.handleRead([]byte(buildFrame(testDeviceStr, "10.00.01.000000", "hello")), later))
	assert.Equal(t, later, c.LastActivity())

	assert.False(t, c.idle(later.Add(90*time.Second), 90*time.Second))
	assert.True(t, c.idle(later.Add(91*time.Second), 90*time.Second))
}

func TestConnCloseFiresOnce(t *testing.T) {
	h := &recorder{}
	c, _ := newPipeConn(t, h, devices.NewRegistry())

	first := errors.New("first")
	c.close(first)
	c.close(errors.New("second"))

	closes := h.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, first, closes[0].err)
	assert.False(t, closes[0].bound)
}

func TestConnFlushWritesFrame(t *testing.T) {
	h := &recorder{}
	c, client := newPipeConn(t, h, devices.NewRegistry())
	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))

	c.enqueue([]byte("world"))
	assert.Equal(t, 1, c.Pending())
	assert.True(t, c.wantsWrite())

	want := "IOT:1.1\r\nDATE:24/7/2019\r\nTIME:10.00.00.000000\r\nDEVICE:1234567890\r\nKEY:SERVER\r\n\r\nworld|#|"

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		_, _ = io.ReadFull(client, buf)
		got <- buf
	}()

	require.NoError(t, c.flush(testNow, time.Second))
	assert.Equal(t, want, string(<-got))
	assert.False(t, c.wantsWrite())
}

func TestConnFlushKeepsUnsentTail(t *testing.T) {
	c, client := newPipeConn(t, &recorder{}, devices.NewRegistry())
	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))

	c.enqueue([]byte("first"))
	c.enqueue([]byte("second"))
	want := string(protocol.Encode(testDevice, []byte("first"), testNow)) +
		string(protocol.Encode(testDevice, []byte("second"), testNow))

	// Nobody is reading, so the write times out and the frame is kept.
	require.NoError(t, c.flush(testNow, 10*time.Millisecond))
	assert.True(t, c.wantsWrite())
	assert.Equal(t, 1, c.Pending(), "second payload still queued")

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		_, _ = io.ReadFull(client, buf)
		got <- buf
	}()

	require.NoError(t, c.flush(testNow, time.Second))
	assert.Equal(t, want, string(<-got))
	assert.False(t, c.wantsWrite())
}

func TestConnFlushFailsOnClosedPeer(t *testing.T) {
	c, client := newPipeConn(t, &recorder{}, devices.NewRegistry())
	require.NoError(t, c.handleRead([]byte(helloFrame()), testNow))
	require.NoError(t, client.Close())

	c.enqueue([]byte("world"))
	err := c.flush(testNow, time.Second)
	require.Error(t, err)
	assert.Equal(t, protocol.KindTransport, protocol.KindOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_identity", StateAwaitingIdentity.String())
	assert.Equal(t, "identified", StateIdentified.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
