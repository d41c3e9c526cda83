// Package errlog appends permanently failed URLs to a plain-text log.
package errlog

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log writes one "Error processing <url>: <reason>" line per failure. It is
// safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New wraps w. The caller owns w.
func New(w io.Writer) *Log {
	return &Log{w: w}
}

// Open appends to path, rotating it by size. Prior entries are kept.
func Open(path string) *Log {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
	}
	return &Log{w: rotator, closer: rotator}
}

// Record implements crawler.ErrorLog.
func (l *Log) Record(url string, reason error) error {
	msg := "unknown error"
	if reason != nil {
		msg = strings.ReplaceAll(reason.Error(), "\n", " ")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "Error processing %s: %s\n", url, msg); err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	return nil
}

// Close releases the rotated file, if any.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("close error log: %w", err)
	}
	return nil
}
