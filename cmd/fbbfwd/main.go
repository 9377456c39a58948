package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/drunlade/go-fbb/fbb"
)

var (
	transportKind = flag.String("transport", "tcp", "transport: tcp, kiss, ax25 or agwpe")
	host          = flag.String("host", "localhost", "remote host (tcp, kiss-over-tcp, agwpe)")
	port          = flag.Int("port", 6300, "remote port")
	device        = flag.String("dev", "", "serial device for a KISS TNC")
	baud          = flag.Int("baud", 9600, "serial baud rate")
	myCall        = flag.String("mycall", "", "local callsign (ax25, agwpe)")
	remoteCall    = flag.String("remote", "", "remote callsign (ax25, agwpe)")
	via           = flag.String("via", "", "comma-separated digipeater path (ax25)")
	sid           = flag.String("sid", "", "override the session identity string")
	binary        = flag.Bool("b", false, "compressed binary transfers")
	gzipMode      = flag.Bool("gzip", false, "B2F gzip encoding instead of LZHUF")
	reverse       = flag.Bool("r", false, "request reverse forwarding")
	limit         = flag.Int("limit", 0, "session traffic limit in bytes (0 = unlimited)")
	auth          = flag.Bool("auth", false, "protected mode: prompt for the shared secret")
	timeout       = flag.Int("t", 30, "transport timeout in seconds")
	logFile       = flag.String("log", "", "protocol log file")
	verbose       = flag.Bool("v", false, "verbose mode")
	quiet         = flag.Bool("q", false, "quiet mode")
	help          = flag.Bool("h", false, "show help")
	version       = flag.Bool("version", false, "show version")
)

const versionString = "fbbfwd version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	files := flag.Args()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	transport, err := buildTransport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	config := fbb.DefaultConfig()
	if *sid != "" {
		config.SID = *sid
	}
	config.UseBinary = *binary || *gzipMode
	config.UseGzip = *gzipMode
	config.EnableReverse = *reverse
	config.TrafficLimit = *limit
	if *auth {
		secret, err := readSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		config.Auth = &fbb.MD5Authenticator{Secret: secret}
	}

	callbacks := &fbb.Callbacks{
		OnMessageSent: func(msg *fbb.Message) {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "sent %s to %s@%s\n", msg.MID, msg.To, msg.ToBBS)
			}
		},
		OnMessageReceived: func(msg *fbb.Message) {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "received %s from %s (%d bytes)\n",
					msg.MID, msg.From, len(msg.Content))
			}
		},
		OnProposal: func(p *fbb.Proposal, code byte) {
			if *verbose && p != nil {
				fmt.Fprintf(os.Stderr, "proposal %s answered %c\n", p.MID, code)
			}
		},
		OnError: func(err error, context string) {
			fmt.Fprintf(os.Stderr, "error in %s: %v\n", context, err)
		},
	}

	opts := []fbb.Option{
		fbb.WithConfig(config),
		fbb.WithCallbacks(callbacks),
		fbb.WithContext(ctx),
	}
	if *logFile != "" {
		logger, err := fbb.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		defer logger.Close()
		opts = append(opts, fbb.WithLogger(logger))
	}

	session, err := fbb.NewSession(transport, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	for _, filename := range files {
		msg, err := readMessageFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", filename, err)
			continue
		}
		if err := session.Enqueue(msg); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", filename, err)
		}
	}

	err = session.Connect(*reverse)
	session.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
		os.Exit(1)
	}

	for _, msg := range session.Received() {
		fmt.Printf("Message-Id: %s\nFrom: %s\nTo: %s@%s\nType: %s\n\n%s\n",
			msg.MID, msg.From, msg.To, msg.ToBBS, msg.Type,
			strings.ReplaceAll(msg.Content, "\r", "\n"))
	}
	if n := session.Pending(); n > 0 && !*quiet {
		fmt.Fprintf(os.Stderr, "%d message(s) still queued\n", n)
	}
}

func buildTransport() (fbb.Transport, error) {
	dur := time.Duration(*timeout) * time.Second
	switch *transportKind {
	case "tcp":
		return fbb.NewTCPTransport(*host, *port, dur), nil
	case "kiss":
		return fbb.NewKISSTransport(fbb.KISSConfig{
			Device:  *device,
			Baud:    *baud,
			Host:    *host,
			Port:    *port,
			Timeout: dur,
		}), nil
	case "ax25":
		if *myCall == "" || *remoteCall == "" {
			return nil, fmt.Errorf("ax25 needs -mycall and -remote")
		}
		kiss := fbb.NewKISSTransport(fbb.KISSConfig{
			Device:  *device,
			Baud:    *baud,
			Host:    *host,
			Port:    *port,
			Timeout: dur,
		})
		var path []string
		if *via != "" {
			path = strings.Split(*via, ",")
		}
		return fbb.NewAX25Conn(kiss, *myCall, *remoteCall, path...), nil
	case "agwpe":
		if *myCall == "" || *remoteCall == "" {
			return nil, fmt.Errorf("agwpe needs -mycall and -remote")
		}
		return fbb.NewAGWPETransport(*host, *port, *myCall, *remoteCall, dur), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *transportKind)
	}
}

func readSecret() (string, error) {
	fmt.Fprint(os.Stderr, "Shared secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// readMessageFile parses a queued message file: RFC822-style header
// lines (To, From, Type, Mid), a blank line, then the body.
func readMessageFile(filename string) (*fbb.Message, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var msgType, from, to, toBBS, mid string
	var body []string
	inBody := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if inBody {
			body = append(body, line)
			continue
		}
		if line == "" {
			inBody = true
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("bad header line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "type":
			msgType = value
		case "from":
			from = value
		case "to":
			if addr, bbs, ok := strings.Cut(value, "@"); ok {
				to, toBBS = addr, bbs
			} else {
				to = value
			}
		case "mid":
			mid = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = "P"
	}
	return fbb.NewMessage(fbb.MsgType(msgType), from, toBBS, to, mid,
		strings.Join(body, "\r"))
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - forward messages to an FBB BBS

Usage: %s [options] messagefile...

Each message file carries "To:", "From:", "Type:" and optional "Mid:"
header lines, a blank line, then the message body.

Options:
  -transport K     tcp (default), kiss, ax25 or agwpe
  -host H -port N  remote endpoint (tcp, kiss-over-tcp, agwpe server)
  -dev D -baud N   serial KISS TNC instead of a network one
  -mycall C        local callsign (ax25, agwpe)
  -remote C        remote callsign (ax25, agwpe)
  -via D1,D2       digipeater path (ax25)
  -sid S           override the session identity string
  -b               compressed binary transfers
  -gzip            B2F gzip encoding instead of LZHUF
  -r               request reverse forwarding
  -limit N         session traffic limit in bytes
  -auth            protected mode, prompts for the shared secret
  -t N             transport timeout in seconds (default: 30)
  -log FILE        protocol log file
  -v, -q           verbose / quiet
  -h, --version    help / version

Examples:
  %s -host bbs.example.org -port 6300 out/*.msg
  %s -transport ax25 -dev /dev/ttyUSB0 -mycall N0CALL -remote W1AW-2 out/hi.msg

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
