package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type bufHandler struct {
	buf *bytes.Buffer
}

func (b bufHandler) Enabled(context.Context, slog.Level) bool { return true }
func (b bufHandler) Handle(_ context.Context, r slog.Record) error {
	b.buf.WriteString(r.Message)
	return nil
}
func (b bufHandler) WithAttrs([]slog.Attr) slog.Handler { return b }
func (b bufHandler) WithGroup(string) slog.Handler      { return b }

func TestFanoutHandler_DispatchesToEveryHandler(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	fanout := &FanoutHandler{handlers: []slog.Handler{bufHandler{&buf1}, bufHandler{&buf2}}}
	log := slog.New(fanout)
	log.Info("hello")

	require.Equal(t, "hello", buf1.String())
	require.Equal(t, "hello", buf2.String())
}

func TestNew_WritesJSONFileAndCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	tmp, err := os.CreateTemp(t.TempDir(), "console")
	require.NoError(t, err)
	defer tmp.Close()

	log, err := New(dir, tmp)
	require.NoError(t, err)
	log.Info("started")
	require.DirExists(t, dir+"/.state/logs")
	require.FileExists(t, dir+"/.state/logs/app.json")
}
