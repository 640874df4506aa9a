package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/me/taskgraph/internal/logging"
	"github.com/me/taskgraph/internal/store"
)

func TestEngineClose_ReportsMetricsShutdownFailure(t *testing.T) {
	var logs bytes.Buffer
	prevLogger, prevTimeout := logger, shutdownTimeout
	logger = logging.NewLoggerWithWriter(slog.LevelDebug, "text", &logs)
	shutdownTimeout = 20 * time.Millisecond
	t.Cleanup(func() { logger, shutdownTimeout = prevLogger, prevTimeout })

	hist, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	go srv.Serve(ln)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	e := &engine{history: hist, metricsSrv: srv}
	err = e.Close()
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want context.DeadlineExceeded", err)
	}
	if !strings.Contains(logs.String(), "metrics server shutdown failed") {
		t.Errorf("shutdown failure not logged:\n%s", logs.String())
	}
}

func TestEngineClose_Clean(t *testing.T) {
	prevLogger := logger
	logger = logging.Discard()
	t.Cleanup(func() { logger = prevLogger })

	hist, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	e := &engine{history: hist, metricsSrv: &http.Server{Addr: "127.0.0.1:0"}}
	if err := e.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
