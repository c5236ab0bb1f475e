// Package server runs the device protocol over TCP, optionally wrapped in TLS.
//
// One goroutine owns every connection, replay window and send queue. It runs
// in ticks:
//
//  1. poll the outbound source and group entries by device id
//  2. reap connections idle for longer than IdleTimeout, and queue outbound
//     payloads on the connection bound to each device
//  3. flush queued payloads, keeping any unsent tail for the next tick
//  4. wait up to PollInterval for accept or read events and dispatch every
//     event that is ready
//
// Accepting and reading happen on helper goroutines that only post events to
// the loop, so Handler methods are never called concurrently.
//
// # Connection lifecycle
//
// A connection starts in StateAwaitingIdentity. Its first accepted frame must
// carry a DEVICE id that is not bound elsewhere and a KEY that the Handler's
// VerifyDevice accepts; the id is then bound in the Registry and the
// connection moves to StateIdentified. Every later frame must name the same
// device. Any violation closes that connection only, and OnClose reports the
// reason as a *protocol.Error.
//
// # Usage Example
//
//	srv, err := server.New(server.Config{Port: 5050}, app,
//		server.WithOutbound(queue),
//	)
//	if err != nil {
//		return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	return srv.ListenAndServe(ctx)
//
// # TLS
//
// Setting Config.TLS wraps every accepted socket with tls.Server. The
// handshake runs on the connection's reader goroutine before the first read.
// A single TLS read returns at most one record, so a frame must arrive within
// one record to be decoded.
package server
