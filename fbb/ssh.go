package fbb

import (
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport runs the session over the stdin/stdout of a remote
// command started through SSH, for forwarding partners reachable by
// shell account rather than by radio or plain TCP.
type SSHTransport struct {
	Addr    string
	Config  *ssh.ClientConfig
	Command string // remote command to exec; empty starts a shell
	Timeout time.Duration

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	data     chan []byte
	errc     chan error
	done     chan struct{}
	pumpDone chan struct{}
	leftover []byte
}

// NewSSHTransport returns an unconnected SSH transport.
func NewSSHTransport(addr string, config *ssh.ClientConfig, command string, timeout time.Duration) *SSHTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSHTransport{
		Addr:    addr,
		Config:  config,
		Command: command,
		Timeout: timeout,
	}
}

// Connect dials the server, starts the remote command and begins
// pumping its stdout.
func (t *SSHTransport) Connect() error {
	if t.client != nil {
		return nil
	}
	client, err := ssh.Dial("tcp", t.Addr, t.Config)
	if err != nil {
		return WrapError(ErrConnection, "ssh dial "+t.Addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return WrapError(ErrConnection, "ssh session", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return WrapError(ErrConnection, "ssh stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		stdin.Close()
		session.Close()
		client.Close()
		return WrapError(ErrConnection, "ssh stdout", err)
	}
	if t.Command != "" {
		err = session.Start(t.Command)
	} else {
		err = session.Shell()
	}
	if err != nil {
		stdin.Close()
		session.Close()
		client.Close()
		return WrapError(ErrConnection, "ssh start", err)
	}

	t.client = client
	t.session = session
	t.stdin = stdin
	t.data = make(chan []byte, 16)
	t.errc = make(chan error, 1)
	t.done = make(chan struct{})
	t.pumpDone = make(chan struct{})
	go t.pump(stdout)
	return nil
}

// pump moves remote stdout into the data channel; SSH readers have no
// deadline support, so Receive gets its timeout from a select. Close
// releases a pump blocked on a full channel through done.
func (t *SSHTransport) pump(stdout io.Reader) {
	defer close(t.pumpDone)
	for {
		buf := make([]byte, 4096)
		n, err := stdout.Read(buf)
		if n > 0 {
			select {
			case t.data <- buf[:n]:
			case <-t.done:
				return
			}
		}
		if err != nil {
			select {
			case t.errc <- err:
			case <-t.done:
			}
			return
		}
	}
}

func (t *SSHTransport) Send(data []byte) error {
	if t.stdin == nil {
		return NewError(ErrConnection, "not connected")
	}
	if _, err := t.stdin.Write(data); err != nil {
		return WrapError(ErrConnection, "ssh send", err)
	}
	return nil
}

func (t *SSHTransport) Receive(maxLen int) ([]byte, error) {
	if t.client == nil {
		return nil, NewError(ErrConnection, "not connected")
	}
	if maxLen <= 0 {
		maxLen = 1024
	}
	if len(t.leftover) == 0 {
		select {
		case chunk := <-t.data:
			t.leftover = chunk
		case err := <-t.errc:
			if err == io.EOF {
				return nil, WrapError(ErrConnection, "remote command ended", err)
			}
			return nil, WrapError(ErrConnection, "ssh receive", err)
		case <-time.After(t.Timeout):
			return nil, nil
		}
	}
	n := min(len(t.leftover), maxLen)
	data := t.leftover[:n]
	t.leftover = t.leftover[n:]
	return data, nil
}

func (t *SSHTransport) Close() error {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	if t.session != nil {
		t.session.Close()
		t.session = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	return nil
}
