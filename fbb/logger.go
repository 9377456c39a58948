package fbb

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger interface for FBB protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file
type FileLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that writes to a file
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file}, nil
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, msg)
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// LoggingTransport wraps a Transport and logs all traffic
type LoggingTransport struct {
	transport Transport
	logger    Logger
	name      string
}

func NewLoggingTransport(transport Transport, logger Logger, name string) *LoggingTransport {
	return &LoggingTransport{
		transport: transport,
		logger:    logger,
		name:      name,
	}
}

func (lt *LoggingTransport) Connect() error {
	err := lt.transport.Connect()
	if err != nil && lt.logger != nil {
		lt.logger.Error("%s: connect error: %v", lt.name, err)
	}
	return err
}

func (lt *LoggingTransport) Send(data []byte) error {
	err := lt.transport.Send(data)
	if lt.logger != nil {
		if len(data) > 128 {
			lt.logger.Debug("%s: sent %d bytes: %q...[truncated]", lt.name, len(data), data[:128])
		} else {
			lt.logger.Debug("%s: sent %d bytes: %q", lt.name, len(data), data)
		}
		if err != nil {
			lt.logger.Error("%s: send error: %v", lt.name, err)
		}
	}
	return err
}

func (lt *LoggingTransport) Receive(maxLen int) ([]byte, error) {
	data, err := lt.transport.Receive(maxLen)
	if lt.logger != nil {
		if len(data) > 128 {
			lt.logger.Debug("%s: received %d bytes: %q...[truncated]", lt.name, len(data), data[:128])
		} else if len(data) > 0 {
			lt.logger.Debug("%s: received %d bytes: %q", lt.name, len(data), data)
		}
		if err != nil {
			lt.logger.Error("%s: receive error: %v", lt.name, err)
		}
	}
	return data, err
}

func (lt *LoggingTransport) Close() error {
	if lt.logger != nil {
		lt.logger.Info("%s: closed", lt.name)
	}
	return lt.transport.Close()
}
