package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ampsched/internal/sched"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeChannel struct {
	lines []string
}

func (c *fakeChannel) ReadConfig(w io.Writer) error {
	_, err := fmt.Fprintf(w, "0 dummy - test\nwrites=%d\n", len(c.lines))
	return err
}

func (c *fakeChannel) CheckConfig(line string) error {
	if strings.HasPrefix(line, "bogus") {
		return fmt.Errorf("%w: %q", sched.ErrInvalidConfig, line)
	}
	return nil
}

func (c *fakeChannel) WriteConfig(line string) error {
	if err := c.CheckConfig(line); err != nil {
		return err
	}
	if line == "explode" {
		return errors.New("host failure")
	}
	c.lines = append(c.lines, line)
	return nil
}

func newTestServer(t *testing.T, ch Channel, reg *prometheus.Registry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("127.0.0.1:0", ch, reg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestServer_ReadAndWrite(t *testing.T) {
	ch := &fakeChannel{}
	srv := newTestServer(t, ch, prometheus.NewRegistry())

	resp, err := http.Post(srv.URL+"/sched", "text/plain", strings.NewReader("scheduler=balancer\n\n# comment\nverbose 1\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if got := body(t, resp); resp.StatusCode != http.StatusOK || got != "applied 2\n" {
		t.Fatalf("POST status=%d body=%q", resp.StatusCode, got)
	}
	if len(ch.lines) != 2 || ch.lines[0] != "scheduler=balancer" || ch.lines[1] != "verbose 1" {
		t.Fatalf("lines = %q", ch.lines)
	}

	resp, err = http.Get(srv.URL + "/sched")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got := body(t, resp); !strings.Contains(got, "writes=2") {
		t.Fatalf("dump = %q", got)
	}
}

func TestServer_WriteErrors(t *testing.T) {
	ch := &fakeChannel{}
	srv := newTestServer(t, ch, prometheus.NewRegistry())

	resp, err := http.Post(srv.URL+"/sched", "text/plain", strings.NewReader("verbose 0\nbogus line\nverbose 1\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	got := body(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(got, "line 2") {
		t.Fatalf("error body = %q", got)
	}
	if len(ch.lines) != 0 {
		t.Fatalf("malformed body applied lines %q", ch.lines)
	}

	resp, err = http.Post(srv.URL+"/sched", "text/plain", strings.NewReader("explode\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body(t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestServer_MetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ampsched_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	srv := newTestServer(t, &fakeChannel{}, reg)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	if got := body(t, resp); !strings.Contains(got, "ampsched_test_total 1") {
		t.Fatalf("metrics = %q", got)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if got := body(t, resp); got != "OK\n" {
		t.Fatalf("health = %q", got)
	}

	resp, err = http.Head(srv.URL + "/nowhere")
	if err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	body(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(ln.Addr().String(), &fakeChannel{}, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	body(t, resp)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return")
	}
}
