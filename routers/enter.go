// Package routers wires the debug status panel's HTTP routes.
package routers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nat2d/api/status_api"
	"nat2d/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Run starts the status panel on addr and blocks until ctx is cancelled,
// at which point it drains in-flight requests and returns.
func Run(ctx context.Context, addr string, sup *supervisor.Supervisor) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	app := status_api.New(sup)
	g := r.Group("api")
	g.GET("status", app.GetStatus)
	g.GET("watchers", app.GetWatchers)

	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("status panel: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
