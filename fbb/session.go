package fbb

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
)

// Session drives one FBB forwarding exchange over a Transport.
// It owns the outbound and inbound message queues, negotiates the
// session identity, alternates proposal turns with the remote and
// enforces the per-session traffic limit.
//
// A Session is single-threaded cooperative: one synchronous
// request/response at a time, never safe for concurrent use. Each
// instance is good for exactly one session.
type Session struct {
	transport Transport
	config    *Config
	callbacks *Callbacks
	logger    Logger
	ctx       context.Context

	state        State
	remoteSID    string
	myTurn       bool
	allowReverse bool

	remoteDry bool // remote yielded with FF and sent nothing since

	rbuf      []byte
	outbound  []*Message
	inbound   []*Message
	seen      map[string]bool // MIDs already received: duplicate suppression
	skip      map[string]bool // MIDs deferred by the remote this session
	resume    map[string]int  // MID -> bytes received of an in-flight body
	sentBytes int
}

// Config holds session configuration.
type Config struct {
	// SID is the session identity string sent to the peer. It must
	// be bracket-delimited and carry the `$` capability marker.
	SID string

	// UseBinary selects compressed binary transfers for outbound
	// proposals; ASCII mode otherwise.
	UseBinary bool

	// UseGzip selects the B2F alternate encoding (gzip) instead of
	// LZHUF for binary bodies, on both directions.
	UseGzip bool

	// EnableReverse permits reverse-forwarding negotiation (FR).
	EnableReverse bool

	// TrafficLimit caps the bytes this session will move, enforced
	// on both the proposing and the accepting side. 0 = unlimited.
	TrafficLimit int

	// BlockCap is the soft cap on one proposal batch's payload total.
	BlockCap int

	// ReceiveRetries is how many consecutive empty transport reads
	// are tolerated where the protocol requires data.
	ReceiveRetries int

	// Auth, when set, enables the protected-mode challenge exchange.
	Auth Authenticator
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		SID:            "[GOFBB-1.0.0-B1FHLM$]",
		UseBinary:      false,
		EnableReverse:  false,
		TrafficLimit:   0,
		BlockCap:       DefaultBlockCap,
		ReceiveRetries: 10,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithContext sets the session context; cancelling it unwinds the
// forwarding loop through the error path.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// NewSession creates a forwarding session over the given transport.
// Configuration problems are reported before any I/O happens.
func NewSession(transport Transport, opts ...Option) (*Session, error) {
	s := &Session{
		transport: transport,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		ctx:       context.Background(),
		state:     Disconnected,
		seen:      make(map[string]bool),
		skip:      make(map[string]bool),
		resume:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if transport == nil {
		return nil, NewError(ErrConfiguration, "nil transport")
	}
	if err := validateSID(s.config.SID); err != nil {
		return nil, NewError(ErrConfiguration, "bad local SID "+s.config.SID)
	}
	if s.config.TrafficLimit < 0 {
		return nil, NewError(ErrConfiguration, "negative traffic limit")
	}
	if s.config.BlockCap <= 0 {
		s.config.BlockCap = DefaultBlockCap
	}
	if s.config.ReceiveRetries <= 0 {
		s.config.ReceiveRetries = 10
	}
	return s, nil
}

// Enqueue appends a message to the outbound queue.
func (s *Session) Enqueue(m *Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.outbound = append(s.outbound, m)
	return nil
}

// AddMessage builds, validates and enqueues a message.
func (s *Session) AddMessage(msgType MsgType, from, toBBS, to, mid, content string) error {
	m, err := NewMessage(msgType, from, toBBS, to, mid, content)
	if err != nil {
		return err
	}
	return s.Enqueue(m)
}

// Received returns the messages accepted from the remote so far.
func (s *Session) Received() []*Message {
	out := make([]*Message, len(s.inbound))
	copy(out, s.inbound)
	return out
}

// Pending returns the number of messages still queued for sending.
func (s *Session) Pending() int {
	return len(s.outbound)
}

// SentBytes returns the session's cumulative traffic counter.
func (s *Session) SentBytes() int {
	return s.sentBytes
}

// RemoteSID returns the peer's session identity string.
func (s *Session) RemoteSID() string {
	return s.remoteSID
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// ResumeOffsets reports how many bytes of each in-flight message body
// had arrived when the session stopped, keyed by MID. Complete bodies
// leave no entry.
func (s *Session) ResumeOffsets() map[string]int {
	out := make(map[string]int, len(s.resume))
	for mid, off := range s.resume {
		out[mid] = off
	}
	return out
}

// Connect runs a full forwarding session as the calling station:
// transport connect, SID exchange, optional reverse-forwarding
// request, then the proposal loop until either side runs dry.
func (s *Session) Connect(initiateReverse bool) error {
	if s.state != Disconnected {
		return NewError(ErrConfiguration, "session already used")
	}
	if err := s.transport.Connect(); err != nil {
		s.state = Closed
		return err
	}
	err := s.handshakeClient(initiateReverse)
	if err == nil {
		err = s.run()
	}
	return s.finish(err)
}

// Listen runs a full forwarding session as the called station over an
// already-accepted transport. The caller proposes first unless it
// negotiates reverse forwarding and allowReverse grants it.
func (s *Session) Listen(allowReverse bool) error {
	if s.state != Disconnected {
		return NewError(ErrConfiguration, "session already used")
	}
	s.allowReverse = allowReverse
	if err := s.transport.Connect(); err != nil {
		s.state = Closed
		return err
	}
	err := s.handshakeServer()
	if err == nil {
		err = s.run()
	}
	return s.finish(err)
}

// finish handles the error path: log, best-effort FQ, close. A clean
// session leaves the transport open so Close can complete the FQ
// handshake for the side that yielded its turn.
func (s *Session) finish(err error) error {
	if err == nil {
		return nil
	}
	s.logger.Error("session failed: %v", err)
	s.callbacks.OnError(err, "session")
	if sendErr := s.sendLine(Quit); sendErr != nil {
		s.logger.Debug("FQ send failed: %v", sendErr)
	}
	s.transport.Close()
	s.state = Closed
	return err
}

// Close sends a best-effort FQ and closes the transport. It never
// fails observably.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	if s.state != Disconnected {
		if err := s.sendLine(Quit); err != nil {
			s.logger.Debug("close: FQ send failed: %v", err)
		}
	}
	s.transport.Close()
	s.state = Closed
	return nil
}

// handshakeClient exchanges SIDs as the calling station. The peer
// greets first; its SID must be bracket-delimited and carry the `$`
// marker or the session fails before anything else happens.
func (s *Session) handshakeClient(initiateReverse bool) error {
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if err := validateSID(line); err != nil {
		return err
	}
	s.remoteSID = line
	s.logger.Info("remote SID %s", line)

	var response string
	if s.config.Auth != nil {
		challenge, err := s.readAuthLine(AuthChallenge)
		if err != nil {
			return err
		}
		if response, err = s.config.Auth.Respond(challenge); err != nil {
			return err
		}
	}
	if err := s.sendLine(s.config.SID); err != nil {
		return err
	}
	if response != "" {
		if err := s.sendLine(AuthResponse + "; " + response); err != nil {
			return err
		}
	}
	s.state = SidExchanged

	// the calling station proposes first unless reverse forwarding
	// is granted
	s.myTurn = true
	if initiateReverse && s.config.EnableReverse {
		if err := s.sendLine(ReverseRequest); err != nil {
			return err
		}
		reply, err := s.readLine()
		if err != nil {
			return err
		}
		if reply == ReverseAccept {
			s.logger.Info("reverse forwarding granted, remote proposes first")
			s.myTurn = false
		} else {
			s.logger.Info("reverse forwarding refused (%q)", reply)
		}
	}
	return nil
}

// handshakeServer exchanges SIDs as the called station: greet with
// our SID (and auth challenge, when configured), then validate the
// caller's SID and response.
func (s *Session) handshakeServer() error {
	if err := s.sendLine(s.config.SID); err != nil {
		return err
	}
	var challenge string
	if s.config.Auth != nil {
		var err error
		if challenge, err = s.config.Auth.Challenge(); err != nil {
			return err
		}
		if err := s.sendLine(AuthChallenge + "; " + challenge); err != nil {
			return err
		}
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if err := validateSID(line); err != nil {
		return err
	}
	s.remoteSID = line
	s.logger.Info("remote SID %s", line)
	if s.config.Auth != nil {
		response, err := s.readAuthLine(AuthResponse)
		if err != nil {
			return err
		}
		if !s.config.Auth.Verify(challenge, response) {
			return NewError(ErrProtocol, "authentication failed")
		}
	}
	s.state = SidExchanged
	s.myTurn = false
	return nil
}

// readAuthLine reads a `;PQ; <x>` or `;PR; <x>` line and returns x.
func (s *Session) readAuthLine(prefix string) (string, error) {
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, prefix+";") {
		return "", NewError(ErrProtocol, "expected "+prefix+" line")
	}
	return strings.TrimSpace(line[len(prefix)+1:]), nil
}

// validateSID checks the bracket delimiters and the `$` marker.
func validateSID(sid string) error {
	if len(sid) < 3 || sid[0] != '[' || sid[len(sid)-1] != ']' ||
		!strings.Contains(sid, "$") {
		return NewError(ErrProtocol, "invalid SID "+sid)
	}
	return nil
}

// run alternates forwarding turns until a terminal token or error.
// A side with nothing to propose yields with FF; once both sides are
// dry in a row the session ends with the FQ exchange.
func (s *Session) run() error {
	for {
		if err := s.ctx.Err(); err != nil {
			return WrapError(ErrConnection, "session cancelled", err)
		}
		if s.myTurn {
			s.state = TurnMine
			proposed, err := s.proposeTurn()
			if err != nil {
				return err
			}
			if !proposed {
				if s.remoteDry {
					return s.sendQuit()
				}
				if err := s.sendLine(NoTraffic); err != nil {
					return err
				}
			}
			s.myTurn = false
		} else {
			s.state = TurnTheirs
			done, err := s.remoteTurn()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			s.myTurn = true
		}
	}
}

// proposeTurn builds and sends one proposal batch and processes the
// FS response. Returns false when nothing could be proposed (empty
// queue, everything deferred, or traffic limit exhausted).
func (s *Session) proposeTurn() (bool, error) {
	if s.config.TrafficLimit > 0 && s.sentBytes >= s.config.TrafficLimit {
		s.logger.Info("traffic limit reached (%d/%d), yielding",
			s.sentBytes, s.config.TrafficLimit)
		return false, nil
	}

	var batch []*Proposal
	total := 0
	for _, m := range s.outbound {
		if len(batch) == MaxProposals {
			break
		}
		if s.skip[m.MID] {
			continue // remote already deferred it this session
		}
		payload, cmd, contentLen, err := s.encodeBody(m)
		if err != nil {
			return false, WrapError(ErrProtocol, "encoding message "+m.MID, err)
		}
		if len(batch) > 0 && total+len(payload) > s.config.BlockCap {
			break
		}
		batch = append(batch, &Proposal{
			Command:    cmd,
			Type:       m.Type,
			From:       m.From,
			ToBBS:      m.ToBBS,
			To:         m.To,
			MID:        m.MID,
			Size:       len(payload),
			msg:        m,
			payload:    payload,
			contentLen: contentLen,
		})
		total += len(payload)
	}
	if len(batch) == 0 {
		return false, nil
	}

	for _, p := range batch {
		if err := s.sendLine(p.String()); err != nil {
			return false, err
		}
	}
	if err := s.sendLine(PropEnd); err != nil {
		return false, err
	}

	line, err := s.readLine()
	if err != nil {
		return false, err
	}
	codes, err := parseStatusLine(line, len(batch))
	if err != nil {
		return false, err
	}

	for i, p := range batch {
		switch codes[i] {
		case StatusAccept:
			if err := s.sendBody(p); err != nil {
				return false, err
			}
			// the traffic counter tracks uncompressed Latin-1 octets
			s.sentBytes += p.contentLen
			s.removeOutbound(p.msg)
			s.callbacks.OnMessageSent(p.msg)
		case StatusError:
			err := NewError(ErrProtocol, "proposal "+p.MID+" rejected as malformed")
			s.logger.Error("%v", err)
			s.callbacks.OnError(err, "proposal")
			s.removeOutbound(p.msg)
		default:
			// duplicate, no-route, held or deferred: non-fatal.
			// The message stays queued for a later session but is
			// not re-proposed in this one.
			s.logger.Info("proposal %s answered %c, kept queued", p.MID, codes[i])
			s.skip[p.MID] = true
		}
	}
	return true, nil
}

// sendQuit ends a drained session: send FQ and wait briefly for the
// echo. A peer that just drops the link instead is tolerated.
func (s *Session) sendQuit() error {
	if err := s.sendLine(Quit); err != nil {
		return err
	}
	if line, err := s.readLine(); err == nil && line != Quit {
		s.logger.Debug("expected FQ echo, got %q", line)
	}
	return nil
}

// remoteTurn reads one proposal batch from the remote, answers it
// with FS codes and receives the accepted bodies. An FF line hands
// the turn back to us; done=true means the remote quit with FQ.
func (s *Session) remoteTurn() (bool, error) {
	frSeen := false
	var lines []string
	for {
		line, err := s.readLine()
		if err != nil {
			return false, err
		}
		if len(lines) == 0 {
			switch line {
			case NoTraffic:
				s.remoteDry = true
				return false, nil
			case Quit:
				// echo FQ, best effort, then stop
				if err := s.sendLine(Quit); err != nil {
					s.logger.Debug("FQ echo failed: %v", err)
				}
				return true, nil
			case ReverseRequest:
				if frSeen {
					return false, NewError(ErrProtocol, "repeated FR request")
				}
				frSeen = true
				if s.allowReverse && s.config.EnableReverse {
					if err := s.sendLine(ReverseAccept); err != nil {
						return false, err
					}
					s.logger.Info("reverse forwarding granted, taking first turn")
					return false, nil // our turn now
				}
				if err := s.sendLine(ReverseReject); err != nil {
					return false, err
				}
				continue // caller proposes as usual
			}
		}
		if line == PropEnd {
			break
		}
		lines = append(lines, line)
		if len(lines) > MaxProposals {
			return false, NewError(ErrProtocol, "proposal batch exceeds 5 lines")
		}
	}

	s.remoteDry = false
	proposals, codes := s.processProposals(lines)
	status := RespStatus
	if codes != "" {
		status += " " + codes
	}
	if err := s.sendLine(status); err != nil {
		return false, err
	}

	for i, p := range proposals {
		if codes[i] != StatusAccept {
			continue
		}
		msg, err := s.receiveBody(p)
		if err != nil {
			return false, err
		}
		s.inbound = append(s.inbound, msg)
		s.callbacks.OnMessageReceived(msg)
	}
	return false, nil
}

// processProposals maps each proposal line to one FS status code, in
// line order: malformed lines to E, traffic-limit violations to H,
// duplicates to -, everything else to +. Accepted sizes count against
// the traffic limit immediately so later lines in the same batch see
// the updated counter.
func (s *Session) processProposals(lines []string) ([]*Proposal, string) {
	proposals := make([]*Proposal, len(lines))
	codes := make([]byte, len(lines))
	for i, line := range lines {
		p, err := parseProposal(line)
		if err != nil {
			s.logger.Error("malformed proposal %q: %v", line, err)
			codes[i] = StatusError
			s.callbacks.OnProposal(nil, StatusError)
			continue
		}
		proposals[i] = p
		switch {
		case s.config.TrafficLimit > 0 && s.sentBytes+p.Size >= s.config.TrafficLimit:
			codes[i] = StatusDefer
		case s.seen[p.MID]:
			codes[i] = StatusReject
		default:
			codes[i] = StatusAccept
			s.seen[p.MID] = true
			s.sentBytes += p.Size
		}
		s.callbacks.OnProposal(p, codes[i])
	}
	return proposals, string(codes)
}

// encodeBody produces the wire payload and proposal command for one
// queued message, plus the message's uncompressed size in Latin-1
// octets for traffic accounting.
func (s *Session) encodeBody(m *Message) ([]byte, string, int, error) {
	data, err := encodeLatin1(m.Content)
	if err != nil {
		return nil, "", 0, err
	}
	if !s.config.UseBinary {
		return data, PropASCII, len(data), nil
	}
	if s.config.UseGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, "", 0, WrapError(ErrCompression, "gzip", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", 0, WrapError(ErrCompression, "gzip", err)
		}
		return buf.Bytes(), PropB2F, len(data), nil
	}
	comp, err := LzhufEncode(m.Content)
	return comp, PropB2F, len(data), err
}

// sendBody transmits one accepted message body: Ctrl-Z terminated
// text in ASCII mode, the precomputed compressed bytes otherwise.
func (s *Session) sendBody(p *Proposal) error {
	if p.binary() {
		return s.transport.Send(p.payload)
	}
	body := append(append([]byte{}, p.payload...), CtrlZ, '\r')
	return s.transport.Send(body)
}

// receiveBody reads one accepted message body. ASCII bodies
// accumulate lines until one carries Ctrl-Z; binary bodies are read
// to the declared size and decompressed. Decode failures surface as
// protocol errors.
func (s *Session) receiveBody(p *Proposal) (*Message, error) {
	var content string
	if p.binary() {
		data, err := s.readBytes(p.Size, p.MID)
		if err != nil {
			return nil, err
		}
		if content, err = s.decodeBody(data); err != nil {
			return nil, err
		}
		delete(s.resume, p.MID)
	} else {
		var sb strings.Builder
		for {
			line, err := s.readLine()
			if err != nil {
				return nil, err
			}
			if i := strings.IndexByte(line, CtrlZ); i >= 0 {
				sb.WriteString(line[:i])
				break
			}
			sb.WriteString(line)
			sb.WriteByte('\r')
		}
		content = sb.String()
	}
	return &Message{
		Type:    p.Type,
		From:    p.From,
		ToBBS:   p.ToBBS,
		To:      p.To,
		MID:     p.MID,
		Content: content,
	}, nil
}

// decodeBody inverts encodeBody for a received binary payload.
func (s *Session) decodeBody(data []byte) (string, error) {
	if s.config.UseGzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", WrapError(ErrProtocol, "gzip body", err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return "", WrapError(ErrProtocol, "gzip body", err)
		}
		return decodeLatin1(raw), nil
	}
	text, err := LzhufDecode(data)
	if err != nil {
		return "", WrapError(ErrProtocol, "lzhuf body", err)
	}
	return text, nil
}

func (s *Session) removeOutbound(m *Message) {
	for i, q := range s.outbound {
		if q == m {
			s.outbound = append(s.outbound[:i], s.outbound[i+1:]...)
			return
		}
	}
}

// sendLine writes one CR-terminated Latin-1 line.
func (s *Session) sendLine(line string) error {
	data, err := encodeLatin1(line)
	if err != nil {
		return WrapError(ErrProtocol, "line is not Latin-1", err)
	}
	return s.transport.Send(append(data, '\r'))
}

// readLine returns the next CR-terminated line, without the CR.
// Empty transport reads are tolerated up to the retry budget; a
// closed connection where a line was expected is a protocol-level
// failure surfaced by the transport.
func (s *Session) readLine() (string, error) {
	retries := 0
	for {
		// drop a stray LF left behind by CRLF peers
		for len(s.rbuf) > 0 && s.rbuf[0] == '\n' {
			s.rbuf = s.rbuf[1:]
		}
		if i := bytes.IndexByte(s.rbuf, '\r'); i >= 0 {
			line := decodeLatin1(s.rbuf[:i])
			s.rbuf = s.rbuf[i+1:]
			return line, nil
		}
		if err := s.ctx.Err(); err != nil {
			return "", WrapError(ErrConnection, "session cancelled", err)
		}
		data, err := s.transport.Receive(1024)
		if err != nil {
			return "", err
		}
		if len(data) == 0 {
			retries++
			if retries > s.config.ReceiveRetries {
				return "", NewError(ErrTimeout, "no data from peer")
			}
			continue
		}
		retries = 0
		s.rbuf = append(s.rbuf, data...)
	}
}

// readBytes reads exactly n bytes of a binary body, recording per-MID
// progress for resume bookkeeping.
func (s *Session) readBytes(n int, mid string) ([]byte, error) {
	buf := make([]byte, 0, n)
	if len(s.rbuf) > 0 {
		take := min(len(s.rbuf), n)
		buf = append(buf, s.rbuf[:take]...)
		s.rbuf = s.rbuf[take:]
		s.resume[mid] = len(buf)
	}
	retries := 0
	for len(buf) < n {
		if err := s.ctx.Err(); err != nil {
			return nil, WrapError(ErrConnection, "session cancelled", err)
		}
		data, err := s.transport.Receive(n - len(buf))
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			retries++
			if retries > s.config.ReceiveRetries {
				return nil, NewError(ErrTimeout, "message body truncated")
			}
			continue
		}
		retries = 0
		buf = append(buf, data...)
		s.resume[mid] = len(buf)
	}
	return buf, nil
}
