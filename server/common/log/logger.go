package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Level orders log severities; records below the configured level are
// dropped before they are formatted.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelException
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "EXCEPTION"}

var levelColors = [...]string{"\033[90m", "\033[32m", "\033[33m", "\033[31m", "\033[35m"}

const colorReset = "\033[0m"

func (lv Level) String() string {
	if lv < LevelDebug || lv > LevelException {
		return "LEVEL(" + strconv.Itoa(int(lv)) + ")"
	}
	return levelNames[lv]
}

// ParseLevel accepts a level name in any case.
func ParseLevel(name string) (Level, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return LevelDebug, false
}

// settings is read once from LOG_FILE_PATH, LOG_MAX_SIZE_MB, LOG_FORMAT
// and LOG_LEVEL. A file path of "-" keeps output on stdout only.
type settings struct {
	filePath string
	maxBytes int64
	json     bool
	min      Level
}

func settingsFromEnv() settings {
	s := settings{filePath: "./logs/workshop_rt.log", maxBytes: 20 << 20}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE_PATH")); v != "" {
		s.filePath = v
	}
	if mb, err := strconv.Atoi(strings.TrimSpace(os.Getenv("LOG_MAX_SIZE_MB"))); err == nil && mb > 0 {
		s.maxBytes = int64(mb) << 20
	}
	s.json = strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json")
	if lv, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		s.min = lv
	}
	return s
}

type record struct {
	Time      string `json:"timestamp"`
	Level     string `json:"level"`
	Caller    string `json:"caller"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

func (r record) text() string {
	var b strings.Builder
	b.Grow(len(r.Time) + len(r.Caller) + len(r.Message) + 32)
	b.WriteString(r.Time)
	b.WriteByte(':')
	b.WriteString(r.Level)
	b.WriteByte(':')
	b.WriteString(r.Caller)
	b.WriteByte(':')
	if r.Component != "" {
		b.WriteString("component=")
		b.WriteString(r.Component)
		b.WriteByte(' ')
	}
	b.WriteString(r.Message)
	return b.String()
}

// sink renders records and fans them out to the console and, unless
// disabled, a size-rotated file.
type sink struct {
	cfg     settings
	console io.Writer
	color   bool
	file    *rotatingFile
	now     func() time.Time
}

func newSink(cfg settings, console io.Writer, color bool) *sink {
	s := &sink{cfg: cfg, console: console, color: color, now: time.Now}
	if cfg.filePath != "-" {
		s.file = newRotatingFile(cfg.filePath, cfg.maxBytes)
	}
	return s
}

var global = newSink(settingsFromEnv(), os.Stdout, true)

// callerDepth skips emit and the exported wrapper so the caller is the
// function that logged.
const callerDepth = 2

func (s *sink) emit(lv Level, component, format string, args ...any) {
	if lv < s.cfg.min {
		return
	}
	r := record{
		Time:      s.now().Format(time.RFC3339Nano),
		Level:     lv.String(),
		Caller:    callerName(callerDepth + 1),
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
	line := r.text()
	if s.cfg.json {
		if b, err := json.Marshal(r); err == nil {
			line = string(b)
		}
	}

	// Colors are for humans; JSON stays machine-readable.
	if s.color && !s.cfg.json {
		fmt.Fprintln(s.console, levelColors[lv]+line+colorReset)
	} else {
		fmt.Fprintln(s.console, line)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.Write([]byte(line + "\n")); err != nil {
		fmt.Fprintf(os.Stderr, "log: write %s: %v\n", s.cfg.filePath, err)
	}
}

// callerName returns the package-qualified function name skip frames up.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func Debugf(format string, args ...any)     { global.emit(LevelDebug, "", format, args...) }
func Infof(format string, args ...any)      { global.emit(LevelInfo, "", format, args...) }
func Warnf(format string, args ...any)      { global.emit(LevelWarn, "", format, args...) }
func Errorf(format string, args ...any)     { global.emit(LevelError, "", format, args...) }
func Exceptionf(format string, args ...any) { global.emit(LevelException, "", format, args...) }

// Sync flushes the log file. Called on shutdown.
func Sync() {
	if global.file != nil {
		_ = global.file.Sync()
	}
}
