package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire constants. These must match deployed devices byte for byte.
const (
	Delimiter       = "|#|"
	HeaderBodySep   = "\r\n\r\n"
	HeaderLineSep   = "\r\n"
	Version         = "1.1"
	ServerKeyMarker = "SERVER"

	MaxMessageBytes = 65535
	MaxHeaderBytes  = 1024
	MaxBodyBytes    = MaxMessageBytes - 3000
	MaxHeaderLines  = 10
	RequiredHeaders = 5
	MinBodyLen      = 5

	// TimeLayout is HH.MM.SS.ffffff.
	TimeLayout = "15.04.05.000000"
	// DateLayout is D/M/YYYY, the form devices send (e.g. 24/7/2019).
	DateLayout = "2/1/2006"
)

// Header keys
const (
	HeaderIOT    = "IOT"
	HeaderDate   = "DATE"
	HeaderTime   = "TIME"
	HeaderDevice = "DEVICE"
	HeaderKey    = "KEY"
)

// Frame is one header block plus body extracted from a receive buffer.
type Frame struct {
	Headers map[string]string
	Body    []byte
}

// Version returns the IOT header.
func (f *Frame) Version() string { return f.Headers[HeaderIOT] }

// Time returns the TIME header.
func (f *Frame) Time() string { return f.Headers[HeaderTime] }

// Device returns the raw DEVICE header.
func (f *Frame) Device() string { return f.Headers[HeaderDevice] }

// Key returns the KEY header.
func (f *Frame) Key() string { return f.Headers[HeaderKey] }

// Decode splits a receive buffer into frames. The buffer must end with the
// delimiter; partial frames are not carried across reads.
func Decode(buf []byte) ([]*Frame, error) {
	if len(buf) > MaxMessageBytes {
		return nil, framingError("buffer of %d bytes exceeds %d", len(buf), MaxMessageBytes)
	}

	parts := bytes.Split(buf, []byte(Delimiter))
	if len(parts) < 2 || len(parts[len(parts)-1]) != 0 {
		return nil, framingError("buffer does not end with %q", Delimiter)
	}
	parts = parts[:len(parts)-1]

	frames := make([]*Frame, 0, len(parts))
	for i, part := range parts {
		frame, err := decodeMessage(part)
		if err != nil {
			var pe *Error
			if errors.As(err, &pe) {
				pe.Message = fmt.Sprintf("message %d: %s", i, pe.Message)
			}
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func decodeMessage(msg []byte) (*Frame, error) {
	idx := bytes.Index(msg, []byte(HeaderBodySep))
	if idx < 0 {
		return nil, framingError("missing header/body separator")
	}
	header := msg[:idx]
	body := msg[idx+len(HeaderBodySep):]

	if len(header) >= MaxHeaderBytes || len(body) >= MaxBodyBytes {
		return nil, framingError("header count mismatch: header %d bytes, body %d bytes over limit", len(header), len(body))
	}

	headers := make(map[string]string, RequiredHeaders)
	for n, line := range strings.Split(string(header), HeaderLineSep) {
		if n >= MaxHeaderLines {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, framingError("header line %q has no ':'", line)
		}
		headers[key] = value
	}

	if len(headers) != RequiredHeaders {
		return nil, framingError("header count mismatch: got %d, want %d", len(headers), RequiredHeaders)
	}
	if len(bytes.TrimSpace(body)) < MinBodyLen {
		return nil, framingError("body shorter than %d characters", MinBodyLen)
	}

	return &Frame{Headers: headers, Body: body}, nil
}

// Encode wraps an outbound payload in the server header block and appends the
// delimiter. Any delimiter inside the payload is removed, which corrupts
// payloads that legitimately contain "|#|".
func Encode(id DeviceID, payload []byte, now time.Time) []byte {
	var b bytes.Buffer
	b.Grow(128 + len(payload))

	writeHeader(&b, HeaderIOT, Version)
	writeHeader(&b, HeaderDate, now.Format(DateLayout))
	writeHeader(&b, HeaderTime, now.Format(TimeLayout))
	writeHeader(&b, HeaderDevice, id.String())
	writeHeader(&b, HeaderKey, ServerKeyMarker)
	b.WriteString(HeaderLineSep)

	b.Write(StripDelimiter(payload))
	b.WriteString(Delimiter)
	return b.Bytes()
}

// StripDelimiter removes every occurrence of the frame delimiter.
func StripDelimiter(payload []byte) []byte {
	return bytes.ReplaceAll(payload, []byte(Delimiter), nil)
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteString(HeaderLineSep)
}
