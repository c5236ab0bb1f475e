// Package protocol implements the iotgate device wire format.
//
// Devices talk to the server over a long-lived TCP (optionally TLS) stream of
// text frames. Each frame is a header block and a body, and frames are
// separated by a literal delimiter:
//
//	IOT:1.1\r\n
//	DATE:24/7/2019\r\n
//	TIME:10.00.00.000000\r\n
//	DEVICE:1234567890\r\n
//	KEY:AJ\r\n
//	\r\n
//	hello|#|
//
// # Rules
//
//   - Frames end with "|#|". A receive buffer that does not end with the
//     delimiter is a framing error; partial frames are never buffered.
//   - The header block ends at the first "\r\n\r\n" and must be < 1024 bytes.
//   - The body must be < 62535 bytes and at least 5 characters after trimming.
//   - Header lines are KEY:VALUE split on the first ':'. At most 10 lines are
//     read and exactly 5 distinct keys must result.
//   - TIME uses '.' separators (HH.MM.SS.ffffff).
//   - DEVICE is a 10 digit numeric id.
//
// Server frames carry the same five headers, with KEY set to a fixed marker
// instead of credential material.
//
// # Errors
//
// Every violation is reported as an *Error whose Kind places it in the
// framing / protocol / security / transport / idle taxonomy. All of them are
// fatal for the connection they occur on and for nothing else.
//
// # Thread Safety
//
// Decode and Encode are stateless and safe for concurrent use.
package protocol
