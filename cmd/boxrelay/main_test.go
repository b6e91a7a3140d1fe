package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/velmie/boxrelay"
)

type fakeProbe struct {
	ready bool
	alive bool
}

func (p fakeProbe) Ready() bool { return p.ready }
func (p fakeProbe) Alive() bool { return p.alive }

func TestHealthRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "boxrelay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := newHealthRouter(fakeProbe{ready: false, alive: true}, reg)

	cases := []struct {
		path string
		code int
		body string
	}{
		{path: "/livez", code: http.StatusOK, body: "ok\n"},
		{path: "/readyz", code: http.StatusServiceUnavailable, body: "unavailable\n"},
		{path: "/metrics", code: http.StatusOK, body: "boxrelay_test_total 1\n"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.Equal(t, tc.code, rec.Code, tc.path)
		require.Contains(t, rec.Body.String(), tc.body, tc.path)
	}
}

const testBoxes = `
boxes:
  - name: orders
    table: orders_outbox
  - name: payments
    kind: inbox
`

func TestSchemaCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBoxes), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"schema", "--boxes", path, "--store", "mysql"})
	require.NoError(t, root.Execute())

	got := out.String()
	require.Contains(t, got, "-- box orders\nCREATE TABLE IF NOT EXISTS `orders_outbox`")
	require.Contains(t, got, "-- box payments\nCREATE TABLE IF NOT EXISTS `payments`")

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"schema", "--boxes", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), `CREATE TABLE IF NOT EXISTS "orders_outbox"`)

	root = newRootCmd()
	root.SetArgs([]string{"schema", "--boxes", path, "--store", "oracle"})
	require.Error(t, root.Execute())
}

type recordingLogger struct {
	boxrelay.NopLogger

	mu    sync.Mutex
	infos []string
	warns []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestRunCleanup(t *testing.T) {
	logger := &recordingLogger{}
	err := runCleanup(context.Background(), logger, func(context.Context) (map[string]int64, error) {
		return map[string]int64{"orders": 3}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"boxrelay cleanup done"}, logger.infos)

	boom := errors.New("boom")
	err = runCleanup(context.Background(), logger, func(context.Context) (map[string]int64, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestScheduleCleanup(t *testing.T) {
	logger := &recordingLogger{}
	require.Error(t, scheduleCleanup(context.Background(), logger, "not a schedule", nil))

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	err := scheduleCleanup(ctx, logger, "@every 1s", func(context.Context) (map[string]int64, error) {
		calls.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestMigrationDriver(t *testing.T) {
	driver, dialect := migrationDriver("mysql")
	require.Equal(t, "mysql", driver)
	require.Equal(t, "mysql", dialect)

	driver, dialect = migrationDriver("postgres")
	require.Equal(t, "pgx", driver)
	require.Equal(t, "postgres", dialect)
}
