package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputMu   sync.Mutex
	outputTee  io.Writer
	stderrSink = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the minimum level written to stderr. The logger itself
// always runs at debug so the file tee keeps everything.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.minLevel = level
	log.SetLevel(log.DebugLevel)
	applyOutputLocked()
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "trace", "trac":
		// No native trace level.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

// FileOptions describes a rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OpenFileTee mirrors every log line, regardless of the stderr level, into a
// size-rotated file. The returned closer detaches and closes the file.
func OpenFileTee(opts FileOptions) (io.Closer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	SetOutputTee(lj)
	return closerFunc(func() error {
		SetOutputTee(nil)
		return lj.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func applyOutputLocked() {
	stderrSink.mu.Lock()
	stderrSink.out = os.Stderr
	stderrSink.tee = outputTee
	stderrSink.mu.Unlock()
	log.SetOutput(stderrSink)
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *levelFilterWriter) writeLineLocked(line []byte) {
	if len(line) == 0 {
		return
	}
	if w.tee != nil {
		_, _ = w.tee.Write(line)
	}
	if w.out == nil {
		return
	}
	if extractLogLevel(string(line)) < w.minLevel {
		return
	}
	_, _ = w.out.Write(line)
}

var levelMarkers = []struct {
	level   log.Level
	markers []string
}{
	{log.DebugLevel, []string{"TRACE", "TRAC", "DEBUG", "DEBU"}},
	{log.InfoLevel, []string{"INFO"}},
	{log.WarnLevel, []string{"WARN", "WARNING"}},
	{log.ErrorLevel, []string{"ERROR", "ERRO"}},
	{log.FatalLevel, []string{"FATAL", "FATA"}},
}

// extractLogLevel recovers the level from a rendered line, both in the
// text formatter ("INFO msg") and the logfmt formatter ("level=info").
func extractLogLevel(line string) log.Level {
	u := strings.ToUpper(stripANSI(line))
	normalized := " " + strings.ReplaceAll(u, "\t", " ") + " "
	for _, lm := range levelMarkers {
		for _, m := range lm.markers {
			if strings.Contains(normalized, " LEVEL="+m+" ") || strings.Contains(normalized, " "+m+" ") {
				return lm.level
			}
		}
	}
	return log.InfoLevel
}

func stripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
