package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/sched"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 64 << 10

// Channel is the text control surface of the controller.
type Channel interface {
	ReadConfig(w io.Writer) error
	CheckConfig(line string) error
	WriteConfig(line string) error
}

// Server exposes the control channel and metrics over HTTP.
type Server struct {
	addr     string
	channel  Channel
	gatherer prometheus.Gatherer
	logger   *logrus.Logger

	server *http.Server
}

// NewServer builds a server. gatherer may be nil, which serves the default
// registry.
func NewServer(addr string, channel Channel, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		addr:     addr,
		channel:  channel,
		gatherer: gatherer,
		logger:   logging.GetLogger(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sched", s.handleRead)
	mux.HandleFunc("POST /sched", s.handleWrite)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "OK\n")
	})
	return mux
}

// Run serves on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", ln.Addr().String()).Info("Control server listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleRead(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.channel.ReadConfig(w); err != nil {
		s.logger.WithError(err).Warn("Failed to write control dump")
	}
}

type controlLine struct {
	no   int
	text string
}

// handleWrite checks every line of the body before applying any of them, so
// a malformed line leaves no partial write. Lines that pass the check can
// still fail while applying; the write stops there.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	scanner := bufio.NewScanner(io.LimitReader(r.Body, maxBodyBytes))
	var lines []controlLine
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, controlLine{no: lineNo, text: line})
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, l := range lines {
		if err := s.channel.CheckConfig(l.text); err != nil {
			s.rejectWrite(w, l.no, 0, err)
			return
		}
	}

	applied := 0
	for _, l := range lines {
		if err := s.channel.WriteConfig(l.text); err != nil {
			s.rejectWrite(w, l.no, applied, err)
			return
		}
		applied++
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "applied %d\n", applied)
}

func (s *Server) rejectWrite(w http.ResponseWriter, lineNo, applied int, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, sched.ErrInvalidConfig) || errors.Is(err, sched.ErrUnknownPolicy) || errors.Is(err, sched.ErrPolicyUnavailable) {
		status = http.StatusBadRequest
	}
	s.logger.WithFields(logrus.Fields{
		"line":    lineNo,
		"applied": applied,
	}).WithError(err).Warn("Control write rejected")
	http.Error(w, fmt.Sprintf("line %d: %v", lineNo, err), status)
}
