// Package pgwire implements the small slice of the PostgreSQL frontend/
// backend message framing that the Verifying phase needs to speak as a
// server: reading and writing type-tagged, length-prefixed messages, and
// building an ErrorResponse. A worker originates both sides of this
// framing itself, rather than relaying it between two real sockets.
package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type bytes used during authentication and session startup.
const (
	Authentication  byte = 'R'
	ErrorResponse   byte = 'E'
	ReadyForQuery   byte = 'Z'
	ParameterStatus byte = 'S'
	BackendKeyData  byte = 'K'
	PasswordMessage byte = 'p'
)

// Authentication sub-message codes, carried as the first 4 bytes of an
// Authentication message's payload.
const (
	AuthOK           uint32 = 0
	AuthCleartext    uint32 = 3
	AuthMD5          uint32 = 5
	AuthSASL         uint32 = 10
	AuthSASLContinue uint32 = 11
	AuthSASLFinal    uint32 = 12
)

// ReadMessage reads one type-tagged, length-prefixed message.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return 0, nil, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("pgwire: invalid message length %d", msgLen)
	}

	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typeBuf[0], payload, nil
}

// WriteMessage writes one type-tagged, length-prefixed message.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteAuthentication writes an Authentication message whose payload is the
// 4-byte sub-code followed by extra.
func WriteAuthentication(w io.Writer, code uint32, extra []byte) error {
	payload := make([]byte, 4+len(extra))
	binary.BigEndian.PutUint32(payload[:4], code)
	copy(payload[4:], extra)
	return WriteMessage(w, Authentication, payload)
}

// WriteErrorResponse builds and writes a PostgreSQL ErrorResponse with the
// given severity, SQLSTATE code, and human-readable message.
func WriteErrorResponse(w io.Writer, severity, code, message string) error {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	return WriteMessage(w, ErrorResponse, buf)
}

// WriteReadyForQuery writes a ReadyForQuery message with the given
// transaction status byte ('I' idle, 'T' in transaction, 'E' failed).
func WriteReadyForQuery(w io.Writer, status byte) error {
	return WriteMessage(w, ReadyForQuery, []byte{status})
}

// WriteBackendKeyData writes a BackendKeyData message, used to hand a
// resumed client a fresh cancellation key each reuse cycle (spec §4.3,
// collab.CancelKeyStore).
func WriteBackendKeyData(w io.Writer, pid int32, key uint32) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(pid))
	binary.BigEndian.PutUint32(buf[4:8], key)
	return WriteMessage(w, BackendKeyData, buf)
}
