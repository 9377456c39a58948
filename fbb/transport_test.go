package fbb

import (
	"testing"
	"time"
)

func TestTCPTransportTimeout(t *testing.T) {
	c1, c2 := tcpPair(t)
	a := NewConnTransport(c1, 100*time.Millisecond)
	defer a.Close()
	defer c2.Close()

	data, err := a.Receive(64)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Receive() = % X on an idle socket", data)
	}
}

func TestTCPTransportClosedPeer(t *testing.T) {
	c1, c2 := tcpPair(t)
	a := NewConnTransport(c1, 100*time.Millisecond)
	defer a.Close()
	c2.Close()

	_, err := a.Receive(64)
	if !IsConnection(err) {
		t.Fatalf("Receive() error = %v, want connection error", err)
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	c1, c2 := tcpPair(t)
	a := NewConnTransport(c1, 200*time.Millisecond)
	b := NewConnTransport(c2, 200*time.Millisecond)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("FF\r")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	data, err := b.Receive(64)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if string(data) != "FF\r" {
		t.Errorf("Receive() = %q", data)
	}
}

func TestMD5Authenticator(t *testing.T) {
	auth := &MD5Authenticator{Secret: "sesame"}
	challenge, err := auth.Challenge()
	if err != nil {
		t.Fatalf("Challenge() error: %v", err)
	}
	if len(challenge) != 8 {
		t.Errorf("challenge %q, want 8 digits", challenge)
	}
	response, err := auth.Respond(challenge)
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if !auth.Verify(challenge, response) {
		t.Error("Verify() rejected its own response")
	}
	other := &MD5Authenticator{Secret: "different"}
	wrong, _ := other.Respond(challenge)
	if auth.Verify(challenge, wrong) {
		t.Error("Verify() accepted a response for the wrong secret")
	}
}
