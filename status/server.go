package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

const shutdownTimeout = 5 * time.Second

// Serve runs an HTTP server for handler on listener until ctx is done, then
// shuts it down gracefully.
func Serve(ctx context.Context, logger hclog.Logger, listener net.Listener, handler http.Handler) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting status server", "addr", listener.Addr().String())
		errc <- server.Serve(listener)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("status server stopped")
	return nil
}
