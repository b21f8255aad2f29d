// Package handoff implements the control channel: the per-worker,
// bidirectional Unix-domain socket pair used to transfer a client's socket
// descriptor (plus its peer address) from the supervisor to a pooled
// worker. Transfer uses SCM_RIGHTS ancillary data — the kernel mechanism
// for passing open file descriptors between unrelated processes.
package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// PeerAddrSize is the fixed wire size of a PeerAddr record (spec §3: "the
// peer-address payload length is fixed at compile time").
const PeerAddrSize = 20

// PeerAddr is the client's remote address, carried alongside its FD.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// PeerAddrFromTCPAddr builds a PeerAddr from a dialed TCP peer address.
func PeerAddrFromTCPAddr(addr *net.TCPAddr) PeerAddr {
	return PeerAddr{IP: addr.IP, Port: uint16(addr.Port)}
}

// TCPAddr reconstructs a *net.TCPAddr from the fixed-size record.
func (p PeerAddr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
}

// Marshal encodes the record to its fixed wire size: a 16-byte v6-mapped
// IP, a 2-byte big-endian port, and 2 reserved bytes.
func (p PeerAddr) Marshal() []byte {
	buf := make([]byte, PeerAddrSize)
	ip16 := p.IP.To16()
	if ip16 == nil {
		ip16 = make([]byte, 16)
	}
	copy(buf[0:16], ip16)
	binary.BigEndian.PutUint16(buf[16:18], p.Port)
	return buf
}

// UnmarshalPeerAddr decodes a PeerAddr from its fixed-size wire form.
func UnmarshalPeerAddr(b []byte) (PeerAddr, error) {
	if len(b) != PeerAddrSize {
		return PeerAddr{}, fmt.Errorf("handoff: peer address record is %d bytes, want %d", len(b), PeerAddrSize)
	}
	ip := make(net.IP, 16)
	copy(ip, b[0:16])
	port := binary.BigEndian.Uint16(b[16:18])
	return PeerAddr{IP: ip, Port: port}, nil
}

// Handoff is the value transferred over the control channel for one client.
type Handoff struct {
	Addr PeerAddr
	FD   int
}

// ErrEndOfStream means the peer closed its end of the channel cleanly —
// the signal the supervisor uses to drain a pooled worker (spec §4.1
// shutdown_pooled, §4.1 evict_database) and the worker's Waiting loop
// treats as Exit.
var ErrEndOfStream = errors.New("handoff: end of stream")

// ErrBadAncillary means the received message's ancillary data did not
// carry exactly one file descriptor.
var ErrBadAncillary = errors.New("handoff: ancillary data did not carry exactly one descriptor")

// NewChannelPair creates one control channel: a connected Unix stream
// socket pair. supervisorEnd is retained by the supervisor; workerEnd is
// inherited by the forked worker (via exec.Cmd.ExtraFiles) as its
// well-known channel endpoint.
func NewChannelPair() (supervisorEnd, workerEnd *net.UnixConn, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("handoff: socketpair: %w", err)
	}

	sFile := os.NewFile(uintptr(fds[0]), "supervisor-end")
	wFile := os.NewFile(uintptr(fds[1]), "worker-end")
	defer sFile.Close()
	defer wFile.Close()

	sConn, err := net.FileConn(sFile)
	if err != nil {
		return nil, nil, fmt.Errorf("handoff: wrapping supervisor end: %w", err)
	}
	wConn, err := net.FileConn(wFile)
	if err != nil {
		sConn.Close()
		return nil, nil, fmt.Errorf("handoff: wrapping worker end: %w", err)
	}

	return sConn.(*net.UnixConn), wConn.(*net.UnixConn), nil
}

// ChannelFromFD wraps an inherited file descriptor (e.g. the worker's
// well-known channel fd after exec) as a *net.UnixConn.
func ChannelFromFD(fd uintptr, name string) (*net.UnixConn, error) {
	f := os.NewFile(fd, name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("handoff: wrapping inherited channel fd: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("handoff: inherited fd is not a unix socket")
	}
	return uc, nil
}

// ConnFromFD wraps a received client descriptor as a net.Conn. The
// descriptor's ownership transfers to the returned conn.
func ConnFromFD(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "pooled-client")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("handoff: wrapping client fd: %w", err)
	}
	return c, nil
}

// SendHandoff writes one message on end whose payload is addr's fixed
// record and whose ancillary data carries exactly clientFD. On success the
// sender has transferred ownership of clientFD and must not use it again
// (spec §5: "the sender must not continue using the FD after sending").
// On failure the caller still owns clientFD and is responsible for closing
// it (spec §9).
func SendHandoff(end *net.UnixConn, addr PeerAddr, clientFD int) error {
	payload := addr.Marshal()
	oob := unix.UnixRights(clientFD)

	for {
		_, _, err := end.WriteMsgUnix(payload, oob, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return fmt.Errorf("handoff: send_handoff: %w", err)
	}
}

// ReceiveHandoff reads one handoff message from end. It returns
// ErrEndOfStream when the supervisor has closed its side cleanly, and an
// error for any malformed message (wrong payload size, wrong FD count).
func ReceiveHandoff(end *net.UnixConn) (*Handoff, error) {
	payload := make([]byte, PeerAddrSize+1) // +1 to detect an over-long payload
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn int
	var err error
	for {
		n, oobn, _, _, err = end.ReadMsgUnix(payload, oob)
		if err == nil {
			break
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("handoff: receive_handoff: %w", err)
	}

	if n == 0 && oobn == 0 {
		return nil, ErrEndOfStream
	}
	if n != PeerAddrSize {
		return nil, fmt.Errorf("handoff: payload was %d bytes, want exactly %d", n, PeerAddrSize)
	}

	addr, err := UnmarshalPeerAddr(payload[:n])
	if err != nil {
		return nil, err
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("handoff: parsing ancillary data: %w", err)
	}
	if len(cmsgs) != 1 {
		return nil, ErrBadAncillary
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, fmt.Errorf("handoff: parsing rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, ErrBadAncillary
	}

	return &Handoff{Addr: addr, FD: fds[0]}, nil
}
