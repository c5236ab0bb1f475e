package main

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/muurk/iotgate/internal/capture"
	"github.com/muurk/iotgate/internal/credentials"
	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/outbound"
	"github.com/muurk/iotgate/internal/protocol"
	"github.com/muurk/iotgate/internal/server"
)

// gateway is the application side of the server: it checks device keys,
// records accepted messages, and logs disconnects.
type gateway struct {
	verifier credentials.Verifier
	capture  *capture.Writer
	messages atomic.Int64
}

func newGateway(verifier credentials.Verifier, w *capture.Writer) *gateway {
	return &gateway{verifier: verifier, capture: w}
}

// Messages returns the number of messages accepted so far.
func (g *gateway) Messages() int64 {
	return g.messages.Load()
}

func (g *gateway) VerifyDevice(id protocol.DeviceID, key string) bool {
	if g.verifier.Verify(id, key) {
		return true
	}
	logging.Warn("Device key rejected", zap.Stringer("device", id))
	return false
}

func (g *gateway) OnMessage(id protocol.DeviceID, body []byte) {
	n := g.messages.Add(1)
	logging.Info("Message received",
		zap.Stringer("device", id),
		zap.Int("length", len(body)),
		zap.Int64("seq", n),
	)
	logging.LogRawBytes("inbound body", body)

	if err := g.capture.Write(id, capture.DirectionInbound, body); err != nil {
		logging.Error("Failed to capture message", zap.Error(err))
	}
}

func (g *gateway) OnClose(c *server.Conn, err error) {
	fields := []zap.Field{
		zap.String("remote_addr", c.RemoteAddr()),
		zap.Bool("tls", c.TLS()),
	}
	if id, bound := c.DeviceID(); bound {
		fields = append(fields, zap.Stringer("device", id))
	}
	if err != nil {
		fields = append(fields, zap.String("kind", protocol.KindOf(err).String()), zap.Error(err))
	}
	logging.Info("Device disconnected", fields...)
}

// recordOutbound wraps src so that every well-formed entry it yields is also
// written to the capture. With capture disabled src is returned unchanged.
func recordOutbound(src server.OutboundSource, w *capture.Writer) server.OutboundSource {
	if w == nil {
		return src
	}
	return &recordingSource{src: src, capture: w}
}

type recordingSource struct {
	src     server.OutboundSource
	capture *capture.Writer
}

func (r *recordingSource) Poll() []string {
	entries := r.src.Poll()
	if len(entries) == 0 {
		return entries
	}
	// Parse errors are reported again by the server when it parses the batch.
	payloads, _ := outbound.Parse(entries)
	for id, payload := range payloads {
		if err := r.capture.Write(id, capture.DirectionOutbound, payload); err != nil {
			logging.Error("Failed to capture outbound message", zap.Error(err))
		}
	}
	return entries
}
