package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "linenet-test", zerolog.InfoLevel)

	t.Run("writes service and fields", func(t *testing.T) {
		buf.Reset()
		l.Info("client connected", Field{Key: "client_id", Value: 7})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "linenet-test", entry["service"])
		assert.Equal(t, "client connected", entry["message"])
		assert.EqualValues(t, 7, entry["client_id"])
		assert.Equal(t, "info", entry["level"])
	})

	t.Run("filters below level", func(t *testing.T) {
		buf.Reset()
		l.Debug("noisy")
		assert.Empty(t, buf.String())
	})

	t.Run("With attaches fields", func(t *testing.T) {
		buf.Reset()
		l.With(Field{Key: "component", Value: "tcpserver"}).Warn("slow")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "tcpserver", entry["component"])
		assert.Equal(t, "warn", entry["level"])
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNopAndOrNop(t *testing.T) {
	n := NewNop()
	n.Error("dropped", Field{Key: "k", Value: "v"})
	assert.NoError(t, n.Close())

	assert.NotNil(t, OrNop(nil))
	assert.Same(t, n, OrNop(n))
}

func TestNew_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Config{Service: "svc", Level: "debug", Format: "json", Dir: dir})
	require.NoError(t, err)

	l.Info("hello")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	name := filepath.Join(dir, "svc_"+time.Now().Format(dateLayout)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("svc", dir)
	require.NoError(t, err)

	day := time.Date(2026, 10, 14, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	t.Run("rotates on date change", func(t *testing.T) {
		_, err := w.Write([]byte("first\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2026-10-14.log"), w.CurrentLogFile())

		day = day.Add(2 * time.Minute)
		_, err = w.Write([]byte("second\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2026-10-15.log"), w.CurrentLogFile())

		data, err := os.ReadFile(filepath.Join(dir, "svc_2026-10-15.log"))
		require.NoError(t, err)
		assert.Equal(t, "second\n", string(data))
	})

	t.Run("write after close fails", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		_, err := w.Write([]byte("late"))
		assert.Error(t, err)
		assert.Empty(t, w.CurrentLogFile())
	})
}
