package fbb

import (
	"net"
	"strings"
	"testing"
	"time"
)

// nopTransport satisfies Transport for tests that never touch the wire.
type nopTransport struct{}

func (nopTransport) Connect() error              { return nil }
func (nopTransport) Send([]byte) error           { return nil }
func (nopTransport) Receive(int) ([]byte, error) { return nil, nil }
func (nopTransport) Close() error                { return nil }

// scriptTransport replays canned receive chunks, then fails.
type scriptTransport struct {
	chunks [][]byte
	err    error
}

func (t *scriptTransport) Connect() error    { return nil }
func (t *scriptTransport) Send([]byte) error { return nil }
func (t *scriptTransport) Close() error      { return nil }
func (t *scriptTransport) Receive(int) ([]byte, error) {
	if len(t.chunks) == 0 {
		return nil, t.err
	}
	c := t.chunks[0]
	t.chunks = t.chunks[1:]
	return c, nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ReceiveRetries = 25
	return cfg
}

func newTestSession(t *testing.T, transport Transport, cfg *Config) *Session {
	t.Helper()
	s, err := NewSession(transport, WithConfig(cfg))
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return s
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(nil); !IsConfiguration(err) {
		t.Errorf("nil transport: error = %v, want configuration error", err)
	}

	cfg := DefaultConfig()
	cfg.SID = "no brackets"
	if _, err := NewSession(nopTransport{}, WithConfig(cfg)); !IsConfiguration(err) {
		t.Errorf("bad SID: error = %v, want configuration error", err)
	}

	cfg = DefaultConfig()
	cfg.TrafficLimit = -1
	if _, err := NewSession(nopTransport{}, WithConfig(cfg)); !IsConfiguration(err) {
		t.Errorf("negative limit: error = %v, want configuration error", err)
	}
}

func TestValidateSID(t *testing.T) {
	good := []string{"[FBB-7.00-B1FHLM$]", "[GOFBB-1.0.0-B1FHLM$]", "[X-$]"}
	for _, sid := range good {
		if err := validateSID(sid); err != nil {
			t.Errorf("validateSID(%q) = %v, want nil", sid, err)
		}
	}
	bad := []string{"Hello", "[NOFLAG]", "FBB-$", "[]", ""}
	for _, sid := range bad {
		if err := validateSID(sid); !IsProtocol(err) {
			t.Errorf("validateSID(%q) = %v, want protocol error", sid, err)
		}
	}
}

func TestProcessProposals(t *testing.T) {
	t.Run("positional codes", func(t *testing.T) {
		s := newTestSession(t, nopTransport{}, testConfig())
		lines := []string{
			"FA P N0CALL W1AW BOB MID001 10",
			"FC P FROM", // malformed
			"FA P N0CALL W1AW BOB MID001 10", // duplicate of the first
			"FA B N0CALL REGION ALL MID002 20",
		}
		_, codes := s.processProposals(lines)
		if codes != "+E-+" {
			t.Errorf("codes = %q, want \"+E-+\"", codes)
		}
	})

	t.Run("traffic limit is monotonic within a batch", func(t *testing.T) {
		cfg := testConfig()
		cfg.TrafficLimit = 150
		s := newTestSession(t, nopTransport{}, cfg)
		lines := []string{
			"FA P A B C M1 100",
			"FA P A B C M2 100", // 100+100 >= 150: held
			"FA P A B C M3 10",  // 100+10 < 150: still fits
		}
		_, codes := s.processProposals(lines)
		if codes != "+H+" {
			t.Errorf("codes = %q, want \"+H+\"", codes)
		}
		if s.SentBytes() != 110 {
			t.Errorf("SentBytes() = %d, want 110", s.SentBytes())
		}
	})

	t.Run("limit boundary", func(t *testing.T) {
		cfg := testConfig()
		cfg.TrafficLimit = 100
		s := newTestSession(t, nopTransport{}, cfg)
		_, codes := s.processProposals([]string{"FA P A B C M1 100"})
		if codes != "H" {
			t.Errorf("codes = %q: a proposal meeting the limit exactly must be held", codes)
		}
	})

	t.Run("duplicates across turns", func(t *testing.T) {
		s := newTestSession(t, nopTransport{}, testConfig())
		_, first := s.processProposals([]string{"FA P A B C M1 10"})
		_, second := s.processProposals([]string{"FA P A B C M1 10"})
		if first != "+" || second != "-" {
			t.Errorf("codes = %q then %q, want \"+\" then \"-\"", first, second)
		}
	})
}

func TestResumeOffsets(t *testing.T) {
	transport := &scriptTransport{
		chunks: [][]byte{make([]byte, 10)},
		err:    NewError(ErrConnection, "link lost"),
	}
	s := newTestSession(t, transport, testConfig())
	if _, err := s.readBytes(25, "MID001"); !IsConnection(err) {
		t.Fatalf("readBytes() error = %v, want connection error", err)
	}
	if got := s.ResumeOffsets()["MID001"]; got != 10 {
		t.Errorf("ResumeOffsets()[MID001] = %d, want 10", got)
	}
}

// sessionPair runs a complete client/server exchange over loopback TCP
// and returns both sessions plus the server-side error.
func sessionPair(t *testing.T, clientCfg, serverCfg *Config,
	clientMsgs, serverMsgs []*Message, initReverse, allowReverse bool) (*Session, *Session, error, error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	// the real transport replaces the placeholder once accepted
	server := newTestSession(t, nopTransport{}, serverCfg)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		server.transport = NewConnTransport(conn, 200*time.Millisecond)
		for _, m := range serverMsgs {
			server.Enqueue(m)
		}
		err = server.Listen(allowReverse)
		server.Close()
		serverErr <- err
	}()

	addr := listener.Addr().(*net.TCPAddr)
	client := newTestSession(t,
		NewTCPTransport("127.0.0.1", addr.Port, 200*time.Millisecond), clientCfg)
	for _, m := range clientMsgs {
		client.Enqueue(m)
	}
	cerr := client.Connect(initReverse)
	client.Close()

	select {
	case serr := <-serverErr:
		return client, server, cerr, serr
	case <-time.After(15 * time.Second):
		t.Fatal("server side did not finish")
		return nil, nil, nil, nil
	}
}

func mustMessage(t *testing.T, mid, content string) *Message {
	t.Helper()
	m, err := NewMessage(Personal, "N0CALL", "W1AW", "BOB", mid, content)
	if err != nil {
		t.Fatalf("NewMessage() error: %v", err)
	}
	return m
}

func TestSessionASCII(t *testing.T) {
	clientMsgs := []*Message{
		mustMessage(t, "CM1", "Hello Bob\rSecond line\rThird."),
		mustMessage(t, "CM2", ""),
	}
	serverMsgs := []*Message{
		mustMessage(t, "SM1", "Reply traffic ending with newline\r"),
	}

	client, server, cerr, serr := sessionPair(t,
		testConfig(), testConfig(), clientMsgs, serverMsgs, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}

	got := server.Received()
	if len(got) != 2 {
		t.Fatalf("server received %d messages, want 2", len(got))
	}
	if got[0].MID != "CM1" || got[0].Content != clientMsgs[0].Content {
		t.Errorf("message CM1 arrived as %q", got[0].Content)
	}
	if got[1].Content != "" {
		t.Errorf("empty message arrived as %q", got[1].Content)
	}

	back := client.Received()
	if len(back) != 1 || back[0].Content != serverMsgs[0].Content {
		t.Fatalf("client received %v", back)
	}
	if client.Pending() != 0 || server.Pending() != 0 {
		t.Errorf("queues not drained: client=%d server=%d",
			client.Pending(), server.Pending())
	}
	if client.RemoteSID() == "" || server.RemoteSID() == "" {
		t.Error("remote SIDs not recorded")
	}
}

func TestSessionBinary(t *testing.T) {
	content := strings.Repeat("binary forwarding test payload. ", 40)
	clientCfg := testConfig()
	clientCfg.UseBinary = true

	client, server, cerr, serr := sessionPair(t,
		clientCfg, testConfig(),
		[]*Message{mustMessage(t, "BIN1", content)}, nil, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}

	got := server.Received()
	if len(got) != 1 || got[0].Content != content {
		t.Fatal("binary message did not round trip")
	}
	// the sender counts uncompressed content, the receiver the
	// declared compressed size
	if client.SentBytes() != len(content) {
		t.Errorf("client SentBytes() = %d, want %d", client.SentBytes(), len(content))
	}
	if server.SentBytes() <= 0 || server.SentBytes() >= len(content) {
		t.Errorf("server SentBytes() = %d, want a compressed size below %d",
			server.SentBytes(), len(content))
	}
}

func TestSessionGzip(t *testing.T) {
	content := strings.Repeat("B2F alternate encoding. ", 30)
	clientCfg := testConfig()
	clientCfg.UseBinary = true
	clientCfg.UseGzip = true
	serverCfg := testConfig()
	serverCfg.UseGzip = true

	_, server, cerr, serr := sessionPair(t,
		clientCfg, serverCfg,
		[]*Message{mustMessage(t, "GZ1", content)}, nil, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	got := server.Received()
	if len(got) != 1 || got[0].Content != content {
		t.Fatal("gzip message did not round trip")
	}
}

func TestSessionReverse(t *testing.T) {
	clientCfg := testConfig()
	clientCfg.EnableReverse = true
	serverCfg := testConfig()
	serverCfg.EnableReverse = true

	client, server, cerr, serr := sessionPair(t,
		clientCfg, serverCfg,
		[]*Message{mustMessage(t, "CR1", "from the caller")},
		[]*Message{mustMessage(t, "SR1", "from the called side")},
		true, true)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	if n := len(server.Received()); n != 1 {
		t.Errorf("server received %d messages, want 1", n)
	}
	if n := len(client.Received()); n != 1 {
		t.Errorf("client received %d messages, want 1", n)
	}
}

func TestSessionReverseRefused(t *testing.T) {
	clientCfg := testConfig()
	clientCfg.EnableReverse = true

	// the called side does not grant reverse forwarding; traffic must
	// still flow with the caller proposing first
	client, server, cerr, serr := sessionPair(t,
		clientCfg, testConfig(),
		[]*Message{mustMessage(t, "CR2", "payload")}, nil, true, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	if n := len(server.Received()); n != 1 {
		t.Errorf("server received %d messages, want 1", n)
	}
	if client.Pending() != 0 {
		t.Errorf("client still has %d queued", client.Pending())
	}
}

func TestSessionAuth(t *testing.T) {
	t.Run("matching secrets", func(t *testing.T) {
		clientCfg := testConfig()
		clientCfg.Auth = &MD5Authenticator{Secret: "sesame"}
		serverCfg := testConfig()
		serverCfg.Auth = &MD5Authenticator{Secret: "sesame"}

		_, server, cerr, serr := sessionPair(t,
			clientCfg, serverCfg,
			[]*Message{mustMessage(t, "AU1", "authenticated traffic")}, nil, false, false)
		if cerr != nil || serr != nil {
			t.Fatalf("session errors: client=%v server=%v", cerr, serr)
		}
		if n := len(server.Received()); n != 1 {
			t.Errorf("server received %d messages, want 1", n)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		clientCfg := testConfig()
		clientCfg.Auth = &MD5Authenticator{Secret: "wrong"}
		serverCfg := testConfig()
		serverCfg.Auth = &MD5Authenticator{Secret: "sesame"}

		_, server, _, serr := sessionPair(t,
			clientCfg, serverCfg,
			[]*Message{mustMessage(t, "AU2", "should not arrive")}, nil, false, false)
		if !IsProtocol(serr) {
			t.Fatalf("server error = %v, want protocol error", serr)
		}
		if len(server.Received()) != 0 {
			t.Error("server accepted traffic despite failed authentication")
		}
	})
}

func TestSessionTrafficCountsLatin1Octets(t *testing.T) {
	// accented characters are one octet each on the wire but two
	// bytes in the Go string
	content := strings.Repeat("café über ñandú ", 16)

	client, server, cerr, serr := sessionPair(t,
		testConfig(), testConfig(),
		[]*Message{mustMessage(t, "ACC1", content)}, nil, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	want := len([]rune(content))
	if client.SentBytes() != want {
		t.Errorf("client SentBytes() = %d, want %d octets (string is %d bytes)",
			client.SentBytes(), want, len(content))
	}
	if server.SentBytes() != want {
		t.Errorf("server SentBytes() = %d, want %d", server.SentBytes(), want)
	}
}

func TestSessionTrafficLimit(t *testing.T) {
	serverCfg := testConfig()
	serverCfg.TrafficLimit = 50

	content := strings.Repeat("x", 40)
	client, server, cerr, serr := sessionPair(t,
		testConfig(), serverCfg,
		[]*Message{
			mustMessage(t, "TL1", content),
			mustMessage(t, "TL2", content),
		}, nil, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	if n := len(server.Received()); n != 1 {
		t.Fatalf("server received %d messages, want 1", n)
	}
	// the held message stays queued for a later session
	if client.Pending() != 1 {
		t.Errorf("client Pending() = %d, want 1", client.Pending())
	}
}

func TestSessionDuplicateSuppression(t *testing.T) {
	client, server, cerr, serr := sessionPair(t,
		testConfig(), testConfig(),
		[]*Message{
			mustMessage(t, "DUP1", "first copy"),
			mustMessage(t, "DUP1", "second copy"),
		}, nil, false, false)
	if cerr != nil || serr != nil {
		t.Fatalf("session errors: client=%v server=%v", cerr, serr)
	}
	if n := len(server.Received()); n != 1 {
		t.Errorf("server received %d messages, want 1", n)
	}
	if client.Pending() != 1 {
		t.Errorf("client Pending() = %d, want 1 (the rejected duplicate)", client.Pending())
	}
}

func TestSessionRejectsInvalidSID(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("Hello\r"))
		conn.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	client := newTestSession(t,
		NewTCPTransport("127.0.0.1", addr.Port, 200*time.Millisecond), testConfig())
	err = client.Connect(false)
	if !IsProtocol(err) {
		t.Fatalf("Connect() error = %v, want protocol error", err)
	}
	if client.State() != Closed {
		t.Errorf("state = %v, want closed", client.State())
	}
}

func TestSessionSingleUse(t *testing.T) {
	s := newTestSession(t, nopTransport{}, testConfig())
	s.state = Closed
	if err := s.Connect(false); !IsConfiguration(err) {
		t.Errorf("reusing a session: error = %v, want configuration error", err)
	}
}
