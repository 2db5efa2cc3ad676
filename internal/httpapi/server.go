package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"viewgen/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Generate(req types.GenerateRequest) (uint64, error)
	Cancel()
	StartAuto(req types.GenerateRequest) error
	StopAuto()
	NotifyPose(p types.PoseRequest)
	// WriteFrame encodes the displayed overlay frame as PNG.
	WriteFrame(w io.Writer) error
	// Events streams NDJSON events to w until ctx is done.
	Events(ctx context.Context, w io.Writer, flush func()) error
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsOpts.Enabled {
		r.Use(cors.Handler(corsOpts.handlerOptions()))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := svc.Generate(req)
		if err != nil {
			fail(w, r, "generate", err)
			return
		}
		logAt(r, zerolog.InfoLevel).Uint64("attempt", id).Msg("generate accepted")
		writeJSON(w, http.StatusAccepted, types.GenerateResponse{AttemptID: id})
	})

	r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
		svc.Cancel()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/auto", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.StartAuto(req); err != nil {
			fail(w, r, "auto", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Delete("/auto", func(w http.ResponseWriter, r *http.Request) {
		svc.StopAuto()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/pose", func(w http.ResponseWriter, r *http.Request) {
		var req types.PoseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		svc.NotifyPose(req)
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/frame", func(w http.ResponseWriter, r *http.Request) {
		// Encode first so an empty sink can still produce a JSON error.
		var buf bytes.Buffer
		if err := svc.WriteFrame(&buf); err != nil {
			fail(w, r, "frame", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		writer := io.Writer(w)
		if requestLogLevel(r) <= zerolog.DebugLevel {
			writer = io.MultiWriter(w, newStreamLogger(r))
		}
		start := time.Now()
		logAt(r, zerolog.InfoLevel).Msg("events start")
		ctx, cancel := streamContext(r)
		defer cancel()
		if err := svc.Events(ctx, writer, flush); err != nil && ctx.Err() == nil {
			logAt(r, zerolog.ErrorLevel).Err(err).Msg("events failed")
			return
		}
		logAt(r, zerolog.InfoLevel).Dur("dur", time.Since(start)).Msg("events end")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("backend unavailable"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSON enforces the JSON content type and body limit. An empty body
// decodes as the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if r.ContentLength != 0 && (ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json")) {
		IncrementRejected("content_type")
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		IncrementRejected("invalid_json")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	IncrementRejected(op)
	logAt(r, zerolog.InfoLevel).Int("status", status).Err(err).Msg(op + " failed")
	writeJSONError(w, status, err.Error())
}
