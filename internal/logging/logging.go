// Package logging builds the process logger: a rotating log file plus an
// in-memory tail that the dashboard follows.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
)

type Options struct {
	// Path of the log file. Empty disables the file.
	Path       string
	MaxSizeMB  int `default:"10"`
	MaxBackups int `default:"3"`
	MaxAgeDays int `default:"28"`
	// TailLines is how many recent lines the tail keeps.
	TailLines int `default:"500"`
	Flags     int `default:"3"`
}

// Sink owns every destination the logger writes to.
type Sink struct {
	logger *log.Logger
	file   *lumberjack.Logger
	tail   *Tail
}

// Open creates the sink. extra writers (stderr for plain CLI commands) get
// every line as well.
func Open(opts Options, extra ...io.Writer) (*Sink, error) {
	defaults.SetDefaults(&opts)
	s := &Sink{tail: NewTail(opts.TailLines)}

	writers := []io.Writer{s.tail}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, s.file)
	}
	writers = append(writers, extra...)
	s.logger = log.New(io.MultiWriter(writers...), "", opts.Flags)
	return s, nil
}

func (s *Sink) Logger() *log.Logger { return s.logger }

func (s *Sink) Tail() *Tail { return s.tail }

// Rotate starts a new log file.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Tail keeps the most recent log lines and hands new ones to listeners.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	event *events.ChannelEvent[string]
}

func NewTail(size int) *Tail {
	if size <= 0 {
		size = 1
	}
	return &Tail{
		lines: make([]string, size),
		event: events.NewChannelEvent[string](false),
	}
}

// Write records each line of p. log.Logger issues one Write per entry.
func (t *Tail) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	if text == "" {
		return len(p), nil
	}
	for _, line := range strings.Split(text, "\n") {
		t.mu.Lock()
		t.lines[t.next] = line
		t.next = (t.next + 1) % len(t.lines)
		if t.next == 0 {
			t.full = true
		}
		t.mu.Unlock()
		t.event.Notify(line)
	}
	return len(p), nil
}

// Lines returns the kept lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// Listen registers ch for new lines. Lines are dropped when ch is full.
func (t *Tail) Listen(ch chan<- string) func() {
	return t.event.Listen(ch)
}
