package fbb

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// KISS framing bytes.
const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD

	kissCmdData = 0x00
	kissCmdPoll = 0x0E
)

// KISSConfig configures a KISS TNC link, over a serial device or a
// TCP-connected software TNC.
type KISSConfig struct {
	// Device is a serial device path. When set, Host/Port are ignored.
	Device string
	Baud   int

	// Host and Port reach a network KISS TNC (Direwolf and friends).
	Host string
	Port int

	// TNCPort selects the TNC port (0-15) encoded in the command
	// byte high nibble for multi-port TNCs.
	TNCPort int

	// UseChecksum enables the XKISS 8-bit frame checksum.
	UseChecksum bool

	// PolledMode makes this side the polling master on a multi-drop
	// line: poll frames go out to each slave address on a timer.
	PolledMode     bool
	SlaveAddresses []int
	PollInterval   time.Duration

	Timeout time.Duration

	// Logger receives link diagnostics; nil means silent.
	Logger Logger
}

// KISSTransport frames session bytes as KISS data frames. The stream
// the Session sees is the concatenation of received data-frame
// payloads; non-data frames are consumed silently.
type KISSTransport struct {
	cfg  KISSConfig
	conn io.ReadWriteCloser

	mu  sync.Mutex // serializes writes against the polling goroutine
	raw []byte     // undeframed input
	out []byte     // deframed payload bytes awaiting Receive

	pollStop chan struct{}
	pollDone chan struct{}
}

// NewKISSTransport returns an unconnected KISS transport.
func NewKISSTransport(cfg KISSConfig) *KISSTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger{}
	}
	return &KISSTransport{cfg: cfg}
}

func (t *KISSTransport) Connect() error {
	if t.conn != nil {
		return nil
	}
	if t.cfg.Device != "" {
		port, err := serial.Open(t.cfg.Device, &serial.Mode{BaudRate: t.cfg.Baud})
		if err != nil {
			return WrapError(ErrConnection, "open "+t.cfg.Device, err)
		}
		if err := port.SetReadTimeout(t.cfg.Timeout); err != nil {
			port.Close()
			return WrapError(ErrConnection, "serial read timeout", err)
		}
		t.conn = port
	} else {
		if t.cfg.Host == "" {
			return NewError(ErrConfiguration, "KISS needs a device or a host")
		}
		addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
		conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
		if err != nil {
			return WrapError(ErrConnection, "dial "+addr, err)
		}
		t.conn = conn
	}
	if t.cfg.PolledMode && len(t.cfg.SlaveAddresses) > 0 {
		t.startPolling()
	}
	return nil
}

// startPolling launches the multi-drop master poll loop.
func (t *KISSTransport) startPolling() {
	t.pollStop = make(chan struct{})
	t.pollDone = make(chan struct{})
	go func() {
		defer close(t.pollDone)
		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.pollStop:
				return
			case <-ticker.C:
				for _, addr := range t.cfg.SlaveAddresses {
					// address in the high nibble, poll command low
					err := t.SendFrame([]byte{byte(addr&0x0F)<<4 | kissCmdPoll})
					if err != nil {
						t.cfg.Logger.Error("poll of address %d failed: %v", addr, err)
					}
				}
			}
		}
	}()
}

func (t *KISSTransport) stopPolling() {
	if t.pollStop != nil {
		close(t.pollStop)
		<-t.pollDone
		t.pollStop = nil
	}
}

// SendFrame writes one KISS frame. The payload includes the command
// byte; checksum and transparency escaping are applied here.
func (t *KISSTransport) SendFrame(payload []byte) error {
	if t.conn == nil {
		return NewError(ErrConnection, "not connected")
	}
	frame := payload
	if t.cfg.UseChecksum {
		var sum byte
		for _, b := range payload {
			sum += b
		}
		frame = append(append([]byte{}, payload...), sum)
	}
	buf := make([]byte, 0, len(frame)+4)
	buf = append(buf, kissFEND)
	for _, b := range frame {
		switch b {
		case kissFEND:
			buf = append(buf, kissFESC, kissTFEND)
		case kissFESC:
			buf = append(buf, kissFESC, kissTFESC)
		default:
			buf = append(buf, b)
		}
	}
	buf = append(buf, kissFEND)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.conn.Write(buf); err != nil {
		return WrapError(ErrConnection, "KISS send", err)
	}
	return nil
}

// ReadFrame returns the next complete frame, command byte included
// and checksum verified and stripped, or nil when nothing arrived
// within the timeout. Frames failing the checksum are dropped.
func (t *KISSTransport) ReadFrame() ([]byte, error) {
	if t.conn == nil {
		return nil, NewError(ErrConnection, "not connected")
	}
	for {
		if frame, ok := t.extractFrame(); ok {
			if frame == nil {
				continue // empty or corrupt frame, keep looking
			}
			return frame, nil
		}
		n, err := t.readRaw()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
	}
}

// extractFrame pops one FEND-delimited frame off the raw buffer.
// ok=false means no complete frame is buffered yet; a nil frame with
// ok=true is an empty or checksum-failed frame the caller should skip.
func (t *KISSTransport) extractFrame() ([]byte, bool) {
	start := bytes.IndexByte(t.raw, kissFEND)
	if start < 0 {
		t.raw = t.raw[:0]
		return nil, false
	}
	rest := t.raw[start+1:]
	end := bytes.IndexByte(rest, kissFEND)
	if end < 0 {
		t.raw = t.raw[start:]
		return nil, false
	}
	body := rest[:end]
	t.raw = rest[end:] // keep the closing FEND: it opens the next frame

	if len(body) == 0 {
		return nil, true
	}
	frame := make([]byte, 0, len(body))
	escaped := false
	for _, b := range body {
		if escaped {
			switch b {
			case kissTFEND:
				frame = append(frame, kissFEND)
			case kissTFESC:
				frame = append(frame, kissFESC)
			default:
				frame = append(frame, b)
			}
			escaped = false
			continue
		}
		if b == kissFESC {
			escaped = true
			continue
		}
		frame = append(frame, b)
	}
	if t.cfg.UseChecksum {
		if len(frame) < 2 {
			return nil, true
		}
		var sum byte
		for _, b := range frame[:len(frame)-1] {
			sum += b
		}
		if sum != frame[len(frame)-1] {
			return nil, true // checksum mismatch, drop
		}
		frame = frame[:len(frame)-1]
	}
	return frame, true
}

// readRaw does one timed read into the raw buffer. Returns 0 bytes
// on timeout.
func (t *KISSTransport) readRaw() (int, error) {
	buf := make([]byte, 1024)
	if conn, ok := t.conn.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(t.cfg.Timeout))
		n, err := conn.Read(buf)
		if n > 0 {
			t.raw = append(t.raw, buf[:n]...)
			return n, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil
			}
			if err == io.EOF {
				return 0, WrapError(ErrConnection, "KISS link closed", err)
			}
			return 0, WrapError(ErrConnection, "KISS receive", err)
		}
		return 0, nil
	}
	// serial ports return n==0 with a nil error on read timeout
	n, err := t.conn.Read(buf)
	if n > 0 {
		t.raw = append(t.raw, buf[:n]...)
		return n, nil
	}
	if err != nil {
		return 0, WrapError(ErrConnection, "KISS receive", err)
	}
	return 0, nil
}

// Send wraps data in one KISS data frame for the configured TNC port.
func (t *KISSTransport) Send(data []byte) error {
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, byte(t.cfg.TNCPort&0x0F)<<4|kissCmdData)
	payload = append(payload, data...)
	return t.SendFrame(payload)
}

// Receive returns buffered data-frame payload bytes, deframing more
// input as needed. Empty with nil error means nothing arrived in time.
func (t *KISSTransport) Receive(maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = 1024
	}
	for len(t.out) == 0 {
		frame, err := t.ReadFrame()
		if err != nil {
			return nil, err
		}
		if frame == nil {
			return nil, nil
		}
		if frame[0]&0x0F != kissCmdData {
			continue // poll answers, parameter frames: not ours
		}
		t.out = append(t.out, frame[1:]...)
	}
	n := min(len(t.out), maxLen)
	data := make([]byte, n)
	copy(data, t.out[:n])
	t.out = t.out[n:]
	return data, nil
}

func (t *KISSTransport) Close() error {
	t.stopPolling()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}
