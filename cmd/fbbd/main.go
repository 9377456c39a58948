package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/drunlade/go-fbb/fbb"
)

var (
	listenAddr = flag.String("listen", ":6300", "listen address")
	outDir     = flag.String("dir", ".", "directory for received messages")
	sid        = flag.String("sid", "", "override the session identity string")
	gzipMode   = flag.Bool("gzip", false, "B2F gzip encoding instead of LZHUF")
	reverse    = flag.Bool("r", false, "grant reverse-forwarding requests")
	limit      = flag.Int("limit", 0, "per-session traffic limit in bytes (0 = unlimited)")
	auth       = flag.Bool("auth", false, "protected mode: prompt for the shared secret")
	timeout    = flag.Int("t", 30, "transport timeout in seconds")
	logFile    = flag.String("log", "", "protocol log file")
	once       = flag.Bool("once", false, "serve one session and exit")
	quiet      = flag.Bool("q", false, "quiet mode")
	help       = flag.Bool("h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "fbbd version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	var secret string
	if *auth {
		var err error
		if secret, err = readSecret(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
	}

	var logger fbb.Logger = fbb.NoopLogger{}
	if *logFile != "" {
		fl, err := fbb.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		defer fl.Close()
		logger = fl
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "listening on %s\n", *listenAddr)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		serve(ctx, conn, secret, logger)
		if *once {
			return
		}
	}
}

func serve(ctx context.Context, conn net.Conn, secret string, logger fbb.Logger) {
	defer conn.Close()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "session from %s\n", conn.RemoteAddr())
	}

	config := fbb.DefaultConfig()
	if *sid != "" {
		config.SID = *sid
	}
	config.UseGzip = *gzipMode
	config.EnableReverse = *reverse
	config.TrafficLimit = *limit
	if *auth {
		config.Auth = &fbb.MD5Authenticator{Secret: secret}
	}

	callbacks := &fbb.Callbacks{
		OnMessageReceived: func(msg *fbb.Message) {
			if err := saveMessage(msg); err != nil {
				fmt.Fprintf(os.Stderr, "save %s: %v\n", msg.MID, err)
				return
			}
			if !*quiet {
				fmt.Fprintf(os.Stderr, "received %s from %s (%d bytes)\n",
					msg.MID, msg.From, len(msg.Content))
			}
		},
		OnError: func(err error, context string) {
			fmt.Fprintf(os.Stderr, "error in %s: %v\n", context, err)
		},
	}

	transport := fbb.NewConnTransport(conn, time.Duration(*timeout)*time.Second)
	session, err := fbb.NewSession(transport,
		fbb.WithConfig(config),
		fbb.WithCallbacks(callbacks),
		fbb.WithLogger(logger),
		fbb.WithContext(ctx),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session setup: %v\n", err)
		return
	}
	if err := session.Listen(*reverse); err != nil {
		fmt.Fprintf(os.Stderr, "session from %s failed: %v\n", conn.RemoteAddr(), err)
	}
	session.Close()
}

func saveMessage(msg *fbb.Message) error {
	path := filepath.Join(*outDir, msg.MID+".msg")
	content := fmt.Sprintf("Type: %s\nFrom: %s\nTo: %s@%s\nMid: %s\n\n%s\n",
		msg.Type, msg.From, msg.To, msg.ToBBS, msg.MID,
		strings.ReplaceAll(msg.Content, "\r", "\n"))
	return os.WriteFile(path, []byte(content), 0644)
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

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - accept FBB forwarding sessions

Usage: %s [options]

Received messages land in the output directory, one file per message,
named by MID.

Options:
  -listen ADDR     listen address (default: :6300)
  -dir D           directory for received messages (default: .)
  -sid S           override the session identity string
  -gzip            B2F gzip encoding instead of LZHUF
  -r               grant reverse-forwarding requests
  -limit N         per-session traffic limit in bytes
  -auth            protected mode, prompts for the shared secret
  -t N             transport timeout in seconds (default: 30)
  -log FILE        protocol log file
  -once            serve one session and exit
  -q               quiet mode
  -h, --version    help / version

`, versionString, os.Args[0])
	os.Exit(exitcode)
}
