package log

// Logger is the printf-style contract services depend on. Production code
// passes Component loggers; tests pass Nop or a recording stub.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type componentLogger struct {
	name string
}

// Component returns the global logger scoped to a component name.
func Component(name string) Logger {
	return componentLogger{name: name}
}

func (c componentLogger) Debugf(format string, args ...any) {
	global.emit(LevelDebug, c.name, format, args...)
}

func (c componentLogger) Infof(format string, args ...any) {
	global.emit(LevelInfo, c.name, format, args...)
}

func (c componentLogger) Warnf(format string, args ...any) {
	global.emit(LevelWarn, c.name, format, args...)
}

func (c componentLogger) Errorf(format string, args ...any) {
	global.emit(LevelError, c.name, format, args...)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
