package handoff

import (
	"net"
	"os"
	"testing"
	"time"
)

func TestPeerAddrRoundTrip(t *testing.T) {
	want := PeerAddrFromTCPAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 54321})
	got, err := UnmarshalPeerAddr(want.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalPeerAddr: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

// TestSendReceiveHandoffTransfersSameFile proves the FD received on the
// worker end is the very same kernel-level open file description as the
// one sent — not merely an identical copy — by writing through a pipe
// after the transfer and reading via the transferred descriptor.
func TestSendReceiveHandoffTransfersSameFile(t *testing.T) {
	supervisorEnd, workerEnd, err := NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()
	defer workerEnd.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	addr := PeerAddr{IP: net.ParseIP("192.168.1.1"), Port: 5432}

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendHandoff(supervisorEnd, addr, int(r.Fd()))
	}()

	hf, err := ReceiveHandoff(workerEnd)
	if err != nil {
		t.Fatalf("ReceiveHandoff: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendHandoff: %v", err)
	}
	r.Close() // supervisor's local reference; ownership already moved to the message

	if hf.Addr.Port != addr.Port || !hf.Addr.IP.Equal(addr.IP) {
		t.Fatalf("address mismatch: got %+v, want %+v", hf.Addr, addr)
	}

	received := os.NewFile(uintptr(hf.FD), "received-pipe-read-end")
	defer received.Close()

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	received.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := received.Read(buf)
	if err != nil {
		t.Fatalf("reading through transferred fd: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestReceiveHandoffEndOfStream(t *testing.T) {
	supervisorEnd, workerEnd, err := NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer workerEnd.Close()

	supervisorEnd.Close()

	if _, err := ReceiveHandoff(workerEnd); err != ErrEndOfStream {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestSendHandoffMultipleInOrder(t *testing.T) {
	supervisorEnd, workerEnd, err := NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer supervisorEnd.Close()
	defer workerEnd.Close()

	r1, w1, _ := os.Pipe()
	defer w1.Close()
	r2, w2, _ := os.Pipe()
	defer w2.Close()

	addr1 := PeerAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	addr2 := PeerAddr{IP: net.ParseIP("10.0.0.2"), Port: 2}

	if err := SendHandoff(supervisorEnd, addr1, int(r1.Fd())); err != nil {
		t.Fatalf("SendHandoff 1: %v", err)
	}
	r1.Close()
	if err := SendHandoff(supervisorEnd, addr2, int(r2.Fd())); err != nil {
		t.Fatalf("SendHandoff 2: %v", err)
	}
	r2.Close()

	first, err := ReceiveHandoff(workerEnd)
	if err != nil {
		t.Fatalf("ReceiveHandoff 1: %v", err)
	}
	os.NewFile(uintptr(first.FD), "first").Close()
	if first.Addr.Port != 1 {
		t.Fatalf("expected first handoff to carry port 1, got %d", first.Addr.Port)
	}

	second, err := ReceiveHandoff(workerEnd)
	if err != nil {
		t.Fatalf("ReceiveHandoff 2: %v", err)
	}
	os.NewFile(uintptr(second.FD), "second").Close()
	if second.Addr.Port != 2 {
		t.Fatalf("expected second handoff to carry port 2, got %d", second.Addr.Port)
	}
}
