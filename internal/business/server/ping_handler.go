package server

import (
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/beatranks/session-service/internal/config"
)

func pingHandlerFunc(_ *config.Config) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		slogctx.Debug(ctx, "Handling ping request")

		w.Header().Set("Content-Type", "application/json")

		_, err := w.Write([]byte(`{ "result": "ping" }`))
		if err != nil {
			slogctx.Error(ctx, "Writing ping response", "error", err)
		}
	}
}
