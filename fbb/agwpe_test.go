package fbb

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// fakeAGWPEServer accepts one client, acknowledges registration and
// connection, then echoes data frames back.
func fakeAGWPEServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, agwHeaderLen)
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			dataLen := int(binary.LittleEndian.Uint32(header[28:32]))
			data := make([]byte, dataLen)
			if _, err := io.ReadFull(conn, data); err != nil {
				return
			}
			switch header[4] {
			case agwRegister:
				reply := make([]byte, agwHeaderLen)
				reply[4] = agwRegister
				binary.LittleEndian.PutUint32(reply[28:32], 1)
				conn.Write(append(reply, 1))
			case agwConnect:
				banner := []byte("*** CONNECTED to W1AW\r")
				reply := make([]byte, agwHeaderLen)
				reply[4] = agwConnect
				binary.LittleEndian.PutUint32(reply[28:32], uint32(len(banner)))
				conn.Write(append(reply, banner...))
			case agwData:
				reply := make([]byte, agwHeaderLen)
				reply[4] = agwData
				binary.LittleEndian.PutUint32(reply[28:32], uint32(dataLen))
				conn.Write(append(reply, data...))
			}
		}
	}()
	return listener.Addr().String()
}

func TestAGWPEConnectAndEcho(t *testing.T) {
	addr := fakeAGWPEServer(t)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad port %q: %v", port, err)
	}

	transport := NewAGWPETransport(host, portNum, "N0CALL", "W1AW", 2*time.Second)
	if err := transport.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer transport.Close()

	sent := []byte("[TEST-1.0-B$]\r")
	if err := transport.Send(sent); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(sent) && time.Now().Before(deadline) {
		data, err := transport.Receive(1024)
		if err != nil {
			t.Fatalf("Receive() error: %v", err)
		}
		got = append(got, data...)
	}
	if string(got) != string(sent) {
		t.Errorf("echo = %q, want %q", got, sent)
	}
}
