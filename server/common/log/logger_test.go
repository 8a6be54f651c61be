package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lv, ok := ParseLevel(" warn ")
	require.True(t, ok)
	assert.Equal(t, LevelWarn, lv)

	_, ok = ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, "EXCEPTION", LevelException.String())
}

func TestSinkFiltersBelowMinimumLevel(t *testing.T) {
	var out bytes.Buffer
	s := newSink(settings{filePath: "-", min: LevelWarn}, &out, false)

	s.emit(LevelInfo, "sync", "event=skipped")
	s.emit(LevelError, "sync", "event=kept id=%d", 7)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], ":ERROR:")
	assert.True(t, strings.HasSuffix(lines[0], "component=sync event=kept id=7"), lines[0])
}

func TestSinkWritesJSONWithComponent(t *testing.T) {
	var out bytes.Buffer
	s := newSink(settings{filePath: "-", json: true}, &out, true)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }

	s.emit(LevelInfo, "notify", "event=dispatch status=ok")

	var r record
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &r), "json output carries no color codes")
	assert.Equal(t, "INFO", r.Level)
	assert.Equal(t, "notify", r.Component)
	assert.Equal(t, "event=dispatch status=ok", r.Message)
	assert.Equal(t, "2026-05-01T08:00:00Z", r.Time)
	assert.NotEmpty(t, r.Caller)
}

func TestRotatingFileArchivesWhenFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rt.log")
	f := newRotatingFile(path, 16)
	f.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }

	_, err := f.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = f.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(current))

	archived, err := os.ReadFile(filepath.Join(filepath.Dir(path), "rt_20260501_080000_1.log"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(archived))
}

func TestComponentLoggerAndNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := Component("session")
	assert.Equal(t, componentLogger{name: "session"}, l)
	Nop().Errorf("discarded %d", 1)
}
