package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
)

// ListenAndServe serves until ctx is cancelled and then shuts the server down gracefully, giving
// in-flight requests up to shutdownTimeout to finish. It returns nil after a clean shutdown.
func ListenAndServe(ctx *farmcontext.Context, server *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		ctx.Log.Infof("Listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	ctx.Log.Infof("Shutting down server on %s", server.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.WithStack(err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}
