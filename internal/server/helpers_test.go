package server

import (
	"sync"
	"testing"
	"time"

	"github.com/muurk/iotgate/internal/protocol"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testNow is 10:00:00 on 24/7/2019, matching the stamp used by helloFrame.
var testNow = time.Date(2019, time.July, 24, 10, 0, 0, 0, time.Local)

const (
	testDevice    protocol.DeviceID = 1234567890
	testDeviceStr                   = "1234567890"
)

func buildFrame(device, stamp, body string) string {
	return "IOT:1.1\r\nDATE:24/7/2019\r\nTIME:" + stamp + "\r\nDEVICE:" + device + "\r\nKEY:AJ\r\n\r\n" + body + "|#|"
}

func helloFrame() string {
	return buildFrame(testDeviceStr, "10.00.00.000000", "hello")
}

type received struct {
	id   protocol.DeviceID
	body string
}

type closed struct {
	addr  string
	tls   bool
	id    protocol.DeviceID
	bound bool
	err   error
}

// recorder is a Handler that remembers every callback.
type recorder struct {
	mu       sync.Mutex
	reject   bool
	panicOn  string
	keys     []string
	messages []received
	closes   []closed
}

func (r *recorder) VerifyDevice(id protocol.DeviceID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return !r.reject
}

func (r *recorder) OnMessage(id protocol.DeviceID, body []byte) {
	if r.panicOn != "" && string(body) == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{id: id, body: string(body)})
}

func (r *recorder) OnClose(c *Conn, err error) {
	id, bound := c.DeviceID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, closed{addr: c.RemoteAddr(), tls: c.TLS(), id: id, bound: bound, err: err})
}

func (r *recorder) Messages() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.messages...)
}

func (r *recorder) Closes() []closed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closed(nil), r.closes...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
