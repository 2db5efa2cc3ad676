package httpapi

import (
	"context"
	"net/http"
)

// shutdownCtx ends long-lived streams when the process begins shutting down.
var shutdownCtx = context.Background()

// SetBaseContext registers the process context. Event streams close when
// either it or the client request is done. nil restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx = ctx
}

// streamContext derives the context of a streaming response from the
// request and the process context. The cancel func must be called when the
// handler returns.
func streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(r.Context())
	stop := context.AfterFunc(shutdownCtx, func() {
		cancel(context.Cause(shutdownCtx))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
