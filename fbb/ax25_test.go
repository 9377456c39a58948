package fbb

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeAX25Addr(t *testing.T) {
	addr := encodeAX25Addr("W1AW-2", false, false)
	want := []byte{'W' << 1, '1' << 1, 'A' << 1, 'W' << 1, ' ' << 1, ' ' << 1, 2 << 1}
	if !bytes.Equal(addr, want) {
		t.Errorf("addr = % X, want % X", addr, want)
	}

	last := encodeAX25Addr("N0CALL", false, true)
	if last[6]&0x01 == 0 {
		t.Error("extension bit not set on the last address")
	}
	cmd := encodeAX25Addr("N0CALL", true, false)
	if cmd[6]&0x80 == 0 {
		t.Error("command bit not set on the destination address")
	}
}

// ax25Pair returns two AX.25 connections over loopback KISS with the
// link already up, skipping the SABM exchange.
func ax25Pair(t *testing.T) (*AX25Conn, *AX25Conn) {
	t.Helper()
	ka, kb := kissPair(t, KISSConfig{Timeout: 100 * time.Millisecond})
	a := NewAX25Conn(ka, "N0CALL", "W1AW")
	b := NewAX25Conn(kb, "W1AW", "N0CALL")
	a.connected = true
	b.connected = true
	return a, b
}

func TestAX25Handshake(t *testing.T) {
	ka, kb := kissPair(t, KISSConfig{Timeout: 100 * time.Millisecond})
	a := NewAX25Conn(ka, "N0CALL", "W1AW")
	b := NewAX25Conn(kb, "W1AW", "N0CALL")

	// the called side answers SABM with UA
	done := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			frame, err := kb.ReadFrame()
			if err != nil {
				done <- err
				return
			}
			if frame == nil {
				continue
			}
			control, _, ok := b.parseFrame(frame)
			if ok && control&^ax25Poll == ax25SABM {
				done <- b.sendControl(ax25UA | ax25Poll)
				return
			}
		}
		done <- NewError(ErrTimeout, "no SABM seen")
	}()

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer error: %v", err)
	}
	if !a.connected {
		t.Error("caller not marked connected")
	}
}

func TestAX25DataTransfer(t *testing.T) {
	a, b := ax25Pair(t)

	payload := []byte("FA P N0CALL W1AW BOB MID001 12\r")
	if err := a.Send(payload); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		data, err := b.Receive(1024)
		if err != nil {
			t.Fatalf("Receive() error: %v", err)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received %q, want %q", got, payload)
	}

	// the receiver's RR must clear the sender's retransmit queue
	deadline = time.Now().Add(5 * time.Second)
	for len(a.pending) > 0 && time.Now().Before(deadline) {
		if _, err := a.Receive(16); err != nil {
			t.Fatalf("sender Receive() error: %v", err)
		}
	}
	if len(a.pending) != 0 {
		t.Errorf("%d frames still pending after acknowledgement", len(a.pending))
	}
}

func TestAX25LargeTransfer(t *testing.T) {
	a, b := ax25Pair(t)

	// four I-frames: fills the default window exactly
	payload := bytes.Repeat([]byte("0123456789ABCDEF"), 64)
	errc := make(chan error, 1)
	go func() { errc <- a.Send(payload) }()

	var got []byte
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		data, err := b.Receive(4096)
		if err != nil {
			t.Fatalf("Receive() error: %v", err)
		}
		got = append(got, data...)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received %d bytes, want %d", len(got), len(payload))
	}
}

func TestAX25SequenceWraparound(t *testing.T) {
	a, b := ax25Pair(t)

	// start both sides at the top of the mod-8 space so the transfer
	// crosses the 7 -> 0 boundary
	a.vs, a.va = 7, 7
	b.vr = 7

	payload := []byte("wrap")
	if err := a.Send(payload); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		data, err := b.Receive(64)
		if err != nil {
			t.Fatalf("Receive() error: %v", err)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %q, want %q", got, payload)
	}
	if b.vr != 0 {
		t.Errorf("receiver V(R) = %d, want 0 after the wrap", b.vr)
	}

	// the wrapped RR with N(R)=0 must release the pending frame
	deadline = time.Now().Add(5 * time.Second)
	for len(a.pending) > 0 && time.Now().Before(deadline) {
		if _, err := a.Receive(16); err != nil {
			t.Fatalf("sender Receive() error: %v", err)
		}
	}
	if len(a.pending) != 0 {
		t.Errorf("%d frames still pending after the wrapped acknowledgement", len(a.pending))
	}
	if a.va != 0 {
		t.Errorf("sender V(A) = %d, want 0", a.va)
	}
}

func TestAX25OutOfSequenceRejected(t *testing.T) {
	a, b := ax25Pair(t)

	// skip ahead: send NS=1 while the receiver expects NS=0
	if err := a.sendI([]byte("early"), 1); err != nil {
		t.Fatalf("sendI() error: %v", err)
	}
	data, err := b.Receive(64)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("out-of-sequence frame delivered: %q", data)
	}

	// the REJ answer asks for NS=0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := a.kiss.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() error: %v", err)
		}
		if frame == nil {
			continue
		}
		control, _, ok := a.parseFrame(frame)
		if ok && control&0x0F == ax25REJ {
			if nr := (control >> 5) & 0x07; nr != 0 {
				t.Errorf("REJ N(R) = %d, want 0", nr)
			}
			return
		}
	}
	t.Fatal("no REJ received")
}
