package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PratikDhanave/tally/internal/config"
	"github.com/PratikDhanave/tally/internal/logging"
)

// Service runs an http.Server as a suture.Service: ListenAndServe until the context
// is cancelled, then a graceful Shutdown bounded by the configured timeout.
type Service struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	listener        net.Listener
}

// NewService builds the server for handler using the http.* settings.
func NewService(cfg config.HTTPConfig, handler http.Handler) *Service {
	return &Service{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Listen binds the address now rather than inside Serve, so a port conflict is
// reported at startup and tests can use ":0".
func (s *Service) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener
	s.listener = nil

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string { return "http-server" }

// ExtendDeadlines lets requests whose path starts with prefix run for up to d,
// overriding http.read_timeout and http.write_timeout for those routes only. An HTTP
// triggered aggregation may run for the whole aggregation.timeout.
func ExtendDeadlines(next http.Handler, prefix string, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, prefix) {
			rc := http.NewResponseController(w)
			deadline := time.Now().Add(d)
			if err := rc.SetReadDeadline(deadline); err != nil {
				logging.Warn().Err(err).Str("path", r.URL.Path).Msg("could not extend read deadline")
			}
			if err := rc.SetWriteDeadline(deadline); err != nil {
				logging.Warn().Err(err).Str("path", r.URL.Path).Msg("could not extend write deadline")
			}
		}
		next.ServeHTTP(w, r)
	})
}
