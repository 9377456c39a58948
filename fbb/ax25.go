package fbb

import (
	"strconv"
	"strings"
	"time"
)

// AX.25 control fields. SABM/UA/DISC/DM carry the P/F bit in 0x10.
const (
	ax25SABM = 0x2F
	ax25UA   = 0x63
	ax25DISC = 0x43
	ax25DM   = 0x0F
	ax25RR   = 0x01
	ax25RNR  = 0x05
	ax25REJ  = 0x09

	ax25Poll = 0x10
	ax25PID  = 0xF0 // no layer-3 protocol

	ax25MaxInfo = 256
)

// AX25Conn is a connected-mode AX.25 link over a KISS TNC: SABM/UA
// setup, mod-8 I-frame numbering with RR acknowledgement, REJ and T1
// retransmission, DISC teardown. The TNC owns the HDLC layer, so
// frames cross the KISS boundary without flags or FCS.
//
// The link is serviced from the calling goroutine: acknowledgements
// and retransmissions happen inside Send and Receive.
type AX25Conn struct {
	kiss       *KISSTransport
	local      string
	remote     string
	path       []string
	windowSize int
	maxRetries int
	t1         time.Duration

	connected bool
	vs, vr, va int

	pending    []*ax25Pending
	t1Active   bool
	t1Deadline time.Time

	rbuf []byte
}

type ax25Pending struct {
	info    []byte
	ns      int
	retries int
}

// NewAX25Conn returns an AX.25 connection from local to remote over
// the given KISS transport, optionally via digipeaters.
func NewAX25Conn(kiss *KISSTransport, local, remote string, path ...string) *AX25Conn {
	up := make([]string, len(path))
	for i, p := range path {
		up[i] = strings.ToUpper(p)
	}
	return &AX25Conn{
		kiss:       kiss,
		local:      strings.ToUpper(local),
		remote:     strings.ToUpper(remote),
		path:       up,
		windowSize: 4,
		maxRetries: 10,
		t1:         10 * time.Second,
	}
}

// Connect brings up the KISS link and runs the SABM/UA handshake,
// retrying on T1 expiry up to the retry cap.
func (c *AX25Conn) Connect() error {
	if err := c.kiss.Connect(); err != nil {
		return err
	}
	for try := 0; try < c.maxRetries; try++ {
		if err := c.sendControl(ax25SABM | ax25Poll); err != nil {
			return err
		}
		deadline := time.Now().Add(c.t1)
		for time.Now().Before(deadline) {
			frame, err := c.kiss.ReadFrame()
			if err != nil {
				return err
			}
			if frame == nil {
				continue
			}
			control, _, ok := c.parseFrame(frame)
			if !ok {
				continue
			}
			switch control &^ ax25Poll {
			case ax25UA:
				c.connected = true
				return nil
			case ax25DM:
				return NewError(ErrConnection, "connection refused by "+c.remote)
			}
		}
	}
	return NewError(ErrTimeout, "no UA from "+c.remote)
}

// Send chunks data into I-frames, blocking while the send window is
// full until the remote acknowledges.
func (c *AX25Conn) Send(data []byte) error {
	if !c.connected {
		return NewError(ErrConnection, "not connected")
	}
	for len(data) > 0 {
		n := min(len(data), ax25MaxInfo)
		chunk := data[:n]
		data = data[n:]

		for len(c.pending) >= c.windowSize {
			if err := c.service(); err != nil {
				return err
			}
		}
		info := make([]byte, n)
		copy(info, chunk)
		if err := c.sendI(info, c.vs); err != nil {
			return err
		}
		c.pending = append(c.pending, &ax25Pending{info: info, ns: c.vs})
		c.vs = (c.vs + 1) % 8
		if !c.t1Active {
			c.startT1()
		}
	}
	return nil
}

// Receive services the link once and returns any information bytes
// delivered in sequence. Empty with nil error means nothing arrived.
func (c *AX25Conn) Receive(maxLen int) ([]byte, error) {
	if !c.connected {
		return nil, NewError(ErrConnection, "not connected")
	}
	if maxLen <= 0 {
		maxLen = 1024
	}
	if len(c.rbuf) == 0 {
		if err := c.service(); err != nil {
			return nil, err
		}
	}
	if len(c.rbuf) == 0 {
		return nil, nil
	}
	n := min(len(c.rbuf), maxLen)
	data := make([]byte, n)
	copy(data, c.rbuf[:n])
	c.rbuf = c.rbuf[n:]
	return data, nil
}

// Close sends DISC when the link is up, then closes the KISS side.
func (c *AX25Conn) Close() error {
	if c.connected {
		c.sendControl(ax25DISC | ax25Poll)
		c.connected = false
	}
	return c.kiss.Close()
}

// service reads and dispatches one frame, then checks T1.
func (c *AX25Conn) service() error {
	frame, err := c.kiss.ReadFrame()
	if err != nil {
		return err
	}
	if frame != nil {
		if err := c.dispatch(frame); err != nil {
			return err
		}
	}
	return c.checkT1()
}

func (c *AX25Conn) dispatch(frame []byte) error {
	control, info, ok := c.parseFrame(frame)
	if !ok {
		return nil
	}
	switch {
	case control&0x01 == 0: // I-frame
		ns := int(control>>1) & 0x07
		nr := int(control>>5) & 0x07
		c.ack(nr)
		if ns == c.vr {
			c.vr = (c.vr + 1) % 8
			c.rbuf = append(c.rbuf, info...)
			return c.sendS(ax25RR, c.vr, control&ax25Poll != 0)
		}
		// out of sequence, ask for a resend
		return c.sendS(ax25REJ, c.vr, false)
	case control&0x03 == 0x01: // supervisory
		nr := int(control>>5) & 0x07
		poll := control&ax25Poll != 0
		switch control & 0x0F {
		case ax25RR:
			c.ack(nr)
			if poll {
				return c.sendS(ax25RR, c.vr, true)
			}
		case ax25RNR:
			c.ack(nr) // remote busy; T1 keeps the rest alive
		case ax25REJ:
			c.ack(nr)
			return c.retransmit()
		}
	default: // unnumbered
		switch control &^ ax25Poll {
		case ax25DISC:
			c.sendControl(ax25UA | ax25Poll)
			c.connected = false
			return NewError(ErrConnection, "remote disconnected")
		case ax25DM:
			c.connected = false
			return NewError(ErrConnection, "remote sent DM")
		}
	}
	return nil
}

// ack releases pending frames up to nr (exclusive) and rearms T1.
func (c *AX25Conn) ack(nr int) {
	for c.va != nr && len(c.pending) > 0 {
		c.pending = c.pending[1:]
		c.va = (c.va + 1) % 8
	}
	if len(c.pending) == 0 {
		c.t1Active = false
	} else {
		c.startT1()
	}
}

func (c *AX25Conn) startT1() {
	c.t1Active = true
	c.t1Deadline = time.Now().Add(c.t1)
}

// checkT1 retransmits everything unacknowledged once T1 expires.
func (c *AX25Conn) checkT1() error {
	if !c.t1Active || time.Now().Before(c.t1Deadline) {
		return nil
	}
	return c.retransmit()
}

func (c *AX25Conn) retransmit() error {
	for _, p := range c.pending {
		p.retries++
		if p.retries >= c.maxRetries {
			c.sendControl(ax25DISC | ax25Poll)
			c.connected = false
			return NewError(ErrConnection, "retry limit reached on NS="+strconv.Itoa(p.ns))
		}
		if err := c.sendI(p.info, p.ns); err != nil {
			return err
		}
	}
	if len(c.pending) > 0 {
		c.startT1()
	}
	return nil
}

func (c *AX25Conn) sendI(info []byte, ns int) error {
	control := byte(ns<<1 | c.vr<<5)
	return c.sendFrame(control, info, true)
}

func (c *AX25Conn) sendS(kind, nr int, final bool) error {
	control := byte(kind | nr<<5)
	if final {
		control |= ax25Poll
	}
	return c.sendFrame(control, nil, false)
}

func (c *AX25Conn) sendControl(control byte) error {
	return c.sendFrame(control, nil, false)
}

// sendFrame assembles addresses, control and optional PID+info, and
// hands the frame to KISS as a data-frame payload. The TNC appends
// the FCS on air.
func (c *AX25Conn) sendFrame(control byte, info []byte, withPID bool) error {
	frame := make([]byte, 0, 16+len(c.path)*7+len(info)+2)
	frame = append(frame, byte(c.kiss.cfg.TNCPort&0x0F)<<4|kissCmdData)
	frame = append(frame, encodeAX25Addr(c.remote, true, false)...)
	frame = append(frame, encodeAX25Addr(c.local, false, len(c.path) == 0)...)
	for i, digi := range c.path {
		frame = append(frame, encodeAX25Addr(digi, false, i == len(c.path)-1)...)
	}
	frame = append(frame, control)
	if withPID {
		frame = append(frame, ax25PID)
	}
	frame = append(frame, info...)
	return c.kiss.SendFrame(frame)
}

// parseFrame extracts the control field and information bytes of a
// received data frame addressed on our link.
func (c *AX25Conn) parseFrame(frame []byte) (byte, []byte, bool) {
	if len(frame) < 2 || frame[0]&0x0F != kissCmdData {
		return 0, nil, false
	}
	data := frame[1:]
	// addresses run in 7-byte units until the extension bit is set
	i := 0
	for {
		if i+7 > len(data) {
			return 0, nil, false
		}
		last := data[i+6]&0x01 != 0
		i += 7
		if last {
			break
		}
	}
	if i >= len(data) {
		return 0, nil, false
	}
	control := data[i]
	i++
	var info []byte
	if control&0x01 == 0 { // I-frame carries PID then info
		if i < len(data) {
			i++ // PID
			info = data[i:]
		}
	}
	return control, info, true
}

// encodeAX25Addr packs one callsign-SSID into the 7-byte shifted
// address format. cmd marks the destination address C bit; last sets
// the extension bit ending the address field.
func encodeAX25Addr(call string, cmd, last bool) []byte {
	base := call
	ssid := 0
	if i := strings.IndexByte(call, '-'); i >= 0 {
		base = call[:i]
		if n, err := strconv.Atoi(call[i+1:]); err == nil {
			ssid = n & 0x0F
		}
	}
	for len(base) < 6 {
		base += " "
	}
	addr := make([]byte, 7)
	for i := 0; i < 6; i++ {
		addr[i] = base[i] << 1
	}
	addr[6] = byte(ssid << 1)
	if cmd {
		addr[6] |= 0x80
	}
	if last {
		addr[6] |= 0x01
	}
	return addr
}
