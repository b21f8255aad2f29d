// Package startup peeks and parses a client's protocol startup packet: the
// 4-byte length, 4-byte protocol/request code, and (for a regular startup)
// its NUL-terminated key/value parameter list described in spec §6. The
// same Parse is used non-destructively by the supervisor's assign_client
// routing scan (via Peek) and destructively by a reused worker's Greeting
// phase once it owns the socket outright.
package startup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxPeekBytes bounds how much of the client's first write we inspect.
// Real startup packets (a handful of short key/value pairs) are well under
// this; a client that hasn't sent that much yet is simply incomplete.
const MaxPeekBytes = 8192

// Regular (non-sentinel) protocol version this core expects: major 3, minor 0.
const ProtocolVersion3 = 3<<16 | 0

// Request codes that must never be routed to a pooled worker — each
// requires a fresh process per spec §4.1 step 2.
const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// ErrIncomplete means fewer bytes were available than the packet's own
// length field claims — the peek must be retried, or the client is too
// slow to be pooled and falls through to a fresh fork.
var ErrIncomplete = errors.New("startup: insufficient bytes available")

// ErrNotPeekable means the connection's concrete type does not expose a
// raw file descriptor (e.g. it is already wrapped in tls.Conn), so a
// non-destructive peek is impossible.
var ErrNotPeekable = errors.New("startup: connection does not support a non-destructive peek")

// Info is the parsed shape of one startup packet.
type Info struct {
	Length int32
	Code   uint32
	Params map[string]string
	// Raw holds the exact bytes of length+code+body, for forwarding as-is.
	Raw []byte
}

// IsSSLRequest reports the TLS negotiation sentinel.
func (i *Info) IsSSLRequest() bool { return i.Code == sslRequestCode }

// IsGSSEncRequest reports the credential-transport negotiation sentinel.
func (i *Info) IsGSSEncRequest() bool { return i.Code == gssEncRequestCode }

// IsCancelRequest reports the cancel/control-request sentinel.
func (i *Info) IsCancelRequest() bool { return i.Code == cancelRequestCode }

// IsRegularStartup reports that Code is none of the three sentinels above,
// i.e. this packet carries a real parameter list.
func (i *Info) IsRegularStartup() bool {
	return !i.IsSSLRequest() && !i.IsGSSEncRequest() && !i.IsCancelRequest()
}

// IsReplication reports whether the "replication" startup parameter is
// present and truthy — a replication-style session, which per spec §4.1
// step 3 must never reach a pooled worker.
func (i *Info) IsReplication() bool {
	v, ok := i.Params["replication"]
	return ok && v != "" && v != "false" && v != "0"
}

// DatabaseName returns the routing key assign_client matches on: the
// "database" parameter, or the "user" parameter if "database" is absent
// (spec §4.1 step 3, scenario 5).
func (i *Info) DatabaseName() string {
	if db, ok := i.Params["database"]; ok && db != "" {
		return db
	}
	return i.Params["user"]
}

// Peek non-destructively reads a client's startup packet using MSG_PEEK, so
// the bytes remain in the socket's receive buffer for whoever reads them
// for real afterward — the supervisor itself (on a fresh fork) or a worker
// that later receives this same socket over the control channel. This is
// the Go equivalent of the C idiom spec §4.1 step 1 describes as
// "temporarily non-blocking I/O; restore blocking on exit": the read never
// consumes, and Go's netpoller integration means no blocking-mode flag
// needs explicit restoring afterward.
func Peek(conn net.Conn) (*Info, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNotPeekable
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("obtaining raw conn for peek: %w", err)
	}

	buf := make([]byte, MaxPeekBytes)
	var n int
	var peekErr error
	err = rc.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		return peekErr != unix.EAGAIN
	})
	if err != nil {
		return nil, fmt.Errorf("peeking startup packet: %w", err)
	}
	if peekErr != nil {
		return nil, fmt.Errorf("peeking startup packet: %w", peekErr)
	}

	return Parse(buf[:n])
}

// Parse decodes a startup packet's headers and, for a regular startup, its
// parameter list. It returns ErrIncomplete if data is shorter than the
// packet's own length field claims — the caller must treat that the same
// as "reject, this connection cannot be pooled" (spec §4.1 step 2).
func Parse(data []byte) (*Info, error) {
	if len(data) < 8 {
		return nil, ErrIncomplete
	}
	length := int32(binary.BigEndian.Uint32(data[0:4]))
	code := binary.BigEndian.Uint32(data[4:8])

	if length < 8 {
		return nil, fmt.Errorf("startup: invalid length field %d", length)
	}
	if len(data) < int(length) {
		return nil, ErrIncomplete
	}

	info := &Info{
		Length: length,
		Code:   code,
		Params: map[string]string{},
		Raw:    append([]byte(nil), data[:length]...),
	}

	if info.IsRegularStartup() {
		body := data[8:length]
		for len(body) > 1 {
			key, rest, ok := readCString(body)
			if !ok {
				break
			}
			val, rest, ok := readCString(rest)
			if !ok {
				break
			}
			if key != "" {
				info.Params[key] = val
			}
			body = rest
		}
	}

	return info, nil
}

// ReadAndParse consumes a client's startup packet from conn for real —
// the path a worker's Greeting phase takes once it owns the socket
// outright and there is no further hop to preserve bytes for. Unlike
// Peek, the bytes are gone from the socket afterward.
func ReadAndParse(conn net.Conn) (*Info, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("startup: reading length field: %w", err)
	}
	length := int32(binary.BigEndian.Uint32(lenBuf))
	if length < 8 || int(length) > MaxPeekBytes {
		return nil, fmt.Errorf("startup: invalid length field %d", length)
	}

	rest := make([]byte, length-4)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("startup: reading packet body: %w", err)
	}

	return Parse(append(lenBuf, rest...))
}

func readCString(b []byte) (s string, rest []byte, ok bool) {
	idx := 0
	for idx < len(b) && b[idx] != 0 {
		idx++
	}
	if idx >= len(b) {
		return "", b, false
	}
	return string(b[:idx]), b[idx+1:], true
}
