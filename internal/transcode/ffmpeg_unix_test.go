//go:build linux || darwin

package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// disconnectingWriter records the child's pid from the first line of output
// and cancels the request once enough bytes arrived, failing later writes
// the way a closed connection does.
type disconnectingWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	limit  int

	mu  sync.Mutex
	n   int
	pid int
}

func (w *disconnectingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pid == 0 {
		if line, _, ok := bytes.Cut(b, []byte("\n")); ok && bytes.HasPrefix(line, []byte("PID:")) {
			w.pid, _ = strconv.Atoi(string(line[4:]))
		}
	}
	if w.n >= w.limit {
		w.cancel()
		return 0, io.ErrClosedPipe
	}
	w.n += len(b)
	return w.ResponseRecorder.Write(b)
}

func TestServe_DisconnectKillsChild(t *testing.T) {
	f := New(newHelperRunner("endless"), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil).WithContext(ctx)
	w := &disconnectingWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel, limit: 16 * 1024}

	done := make(chan error, 1)
	go func() { done <- f.Serve(w, req, testRef()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Serve() = %v, want a client disconnect error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after the client went away")
	}

	if w.pid == 0 {
		t.Fatal("helper pid not captured")
	}
	// The child has been killed and reaped by the time Serve returns.
	if err := unix.Kill(w.pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("child %d still present: %v", w.pid, err)
	}
	if f.Active() != 0 {
		t.Errorf("Active() = %d", f.Active())
	}
}
