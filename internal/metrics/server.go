package metrics

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metrics")

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())

	// pprof 显式注册到自己的 mux，不碰 DefaultServeMux
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve runs the debug server (/debug/vars, /debug/pprof) until ctx is done.
// It blocks, so callers usually run it inside a goroutine or errgroup.
func Serve(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errors.Wrapf(err, "metrics listen %s", listenAddr)
	}
	s := &http.Server{
		Handler:           newMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics server listening on %s", ln.Addr())
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics serve")
	}
	return nil
}
