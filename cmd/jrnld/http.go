package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/grailbio/base/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/jrnl"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// admin is the part of *jrnl.Journal the HTTP surface drives.
type admin interface {
	Status() jrnl.Status
	Stats() jrnl.Stats
	ForceCommitAll(ctx context.Context) error
	CreateCheckpoint() (wal.LogPosition, error)
	SetMode(m common.Mode)
	SetLogLevel(level string) error
	SetTrace(level uint64)
}

func newRouter(a admin) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Status())
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Stats())
	})
	r.Post("/commit", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ForceCommitAll(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		pos, err := a.CreateCheckpoint()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"position": uint64(pos)})
	})
	r.Put("/mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		m, ok := common.ParseMode(req.Mode)
		if !ok {
			writeError(w, errors.E(errors.Invalid, "journal mode "+req.Mode))
			return
		}
		a.SetMode(m)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Put("/loglevel", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Level string `json:"level"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.SetLogLevel(req.Level); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Put("/trace", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Level uint64 `json:"level"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		a.SetTrace(req.Level)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.E(errors.Invalid, "request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(errors.Invalid, err):
		code = http.StatusBadRequest
	case errors.Is(errors.Precondition, err):
		code = http.StatusConflict
	case common.Retryable(err):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// httpService runs an http.Server under the supervisor.
type httpService struct {
	srv     *http.Server
	timeout time.Duration
}

func (h *httpService) String() string { return "admin-http" }

func (h *httpService) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("admin http: %w", err)
		}
		return nil
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("admin http shutdown: %w", err)
		}
		<-errc
		return ctx.Err()
	}
}
