package fbb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// AGWPE frame kinds used on a connected channel.
const (
	agwRegister   = 'X'
	agwConnect    = 'C'
	agwData       = 'D'
	agwDisconnect = 'd'

	agwHeaderLen = 36
	agwCallLen   = 10
)

// AGWPETransport runs the session over an AGWPE-compatible TNC server
// (AGWPE, Direwolf, QtSoundModem). Connect registers the local
// callsign, opens an AX.25 connection to the remote and then moves
// session bytes in data frames.
type AGWPETransport struct {
	Host      string
	Port      int
	RadioPort int // TNC radio port, usually 0
	Local     string
	Remote    string
	Timeout   time.Duration

	conn net.Conn
	raw  []byte
	out  []byte
}

// NewAGWPETransport returns an unconnected AGWPE transport.
func NewAGWPETransport(host string, port int, local, remote string, timeout time.Duration) *AGWPETransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AGWPETransport{
		Host:    host,
		Port:    port,
		Local:   local,
		Remote:  remote,
		Timeout: timeout,
	}
}

func (t *AGWPETransport) Connect() error {
	if t.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	conn, err := net.DialTimeout("tcp", addr, t.Timeout)
	if err != nil {
		return WrapError(ErrConnection, "dial "+addr, err)
	}
	t.conn = conn

	// register our callsign; the server answers with 'X' and a
	// single success byte
	if err := t.sendFrame(agwRegister, nil); err != nil {
		t.Close()
		return err
	}
	kind, data, err := t.waitFrame(agwRegister)
	if err != nil {
		t.Close()
		return err
	}
	if kind != agwRegister || len(data) < 1 || data[0] != 1 {
		t.Close()
		return NewError(ErrProtocol, "callsign registration refused for "+t.Local)
	}

	// open the AX.25 connection; the 'C' answer carries the
	// connected banner
	if err := t.sendFrame(agwConnect, nil); err != nil {
		t.Close()
		return err
	}
	if _, _, err := t.waitFrame(agwConnect); err != nil {
		t.Close()
		return err
	}
	return nil
}

// Send moves session bytes in one data frame.
func (t *AGWPETransport) Send(data []byte) error {
	if t.conn == nil {
		return NewError(ErrConnection, "not connected")
	}
	return t.sendFrame(agwData, data)
}

// Receive returns buffered connection data, reading more frames as
// needed. A disconnect frame from the server ends the link.
func (t *AGWPETransport) Receive(maxLen int) ([]byte, error) {
	if t.conn == nil {
		return nil, NewError(ErrConnection, "not connected")
	}
	if maxLen <= 0 {
		maxLen = 1024
	}
	for len(t.out) == 0 {
		kind, data, err := t.readFrame()
		if err != nil {
			return nil, err
		}
		if kind == 0 {
			return nil, nil // nothing in time
		}
		switch kind {
		case agwData:
			t.out = append(t.out, data...)
		case agwDisconnect:
			return nil, NewError(ErrConnection, "remote disconnected")
		default:
			// heard lists, version answers: not ours
		}
	}
	n := min(len(t.out), maxLen)
	data := make([]byte, n)
	copy(data, t.out[:n])
	t.out = t.out[n:]
	return data, nil
}

func (t *AGWPETransport) Close() error {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// sendFrame writes one 36-byte header plus payload.
func (t *AGWPETransport) sendFrame(kind byte, data []byte) error {
	header := make([]byte, agwHeaderLen)
	header[0] = byte(t.RadioPort)
	header[4] = kind
	header[6] = ax25PID
	copy(header[8:8+agwCallLen], padCall(t.Local))
	copy(header[18:18+agwCallLen], padCall(t.Remote))
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(data)))
	if _, err := t.conn.Write(append(header, data...)); err != nil {
		return WrapError(ErrConnection, "AGWPE send", err)
	}
	return nil
}

// waitFrame reads frames until one of the wanted kind arrives or the
// timeout budget runs out.
func (t *AGWPETransport) waitFrame(want byte) (byte, []byte, error) {
	deadline := time.Now().Add(t.Timeout)
	for time.Now().Before(deadline) {
		kind, data, err := t.readFrame()
		if err != nil {
			return 0, nil, err
		}
		if kind == want {
			return kind, data, nil
		}
		if kind == agwDisconnect {
			return 0, nil, NewError(ErrConnection, "remote disconnected")
		}
	}
	return 0, nil, NewError(ErrTimeout, fmt.Sprintf("no %q frame from AGWPE server", want))
}

// readFrame returns the next complete frame, or kind 0 when nothing
// arrived within the transport timeout.
func (t *AGWPETransport) readFrame() (byte, []byte, error) {
	for {
		if len(t.raw) >= agwHeaderLen {
			dataLen := int(binary.LittleEndian.Uint32(t.raw[28:32]))
			if len(t.raw) >= agwHeaderLen+dataLen {
				kind := t.raw[4]
				data := make([]byte, dataLen)
				copy(data, t.raw[agwHeaderLen:agwHeaderLen+dataLen])
				t.raw = t.raw[agwHeaderLen+dataLen:]
				return kind, data, nil
			}
		}
		t.conn.SetReadDeadline(time.Now().Add(t.Timeout))
		buf := make([]byte, 4096)
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.raw = append(t.raw, buf[:n]...)
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil, nil
			}
			if err == io.EOF {
				return 0, nil, WrapError(ErrConnection, "AGWPE link closed", err)
			}
			return 0, nil, WrapError(ErrConnection, "AGWPE receive", err)
		}
	}
}

// padCall NUL-pads a callsign to the 10-byte header field.
func padCall(call string) []byte {
	out := make([]byte, agwCallLen)
	copy(out, call)
	return out
}
