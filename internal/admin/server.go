// Package admin exposes the runtime's administrative surface over
// HTTP: extension lifecycle, tenant config editing, and cache
// invalidation. Bind it to localhost.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"guildbot/internal/config"
	"guildbot/internal/extension"
	"guildbot/internal/tenant"
	logx "guildbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:8642"

// maxBodyBytes caps uploaded config documents.
const maxBodyBytes = 1 << 20

type Server struct {
	log   logx.Logger
	reg   *extension.Registry
	cache *tenant.Cache
	cfg   config.AdminConfig
}

func NewServer(reg *extension.Registry, cache *tenant.Cache, cfg config.AdminConfig, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, reg: reg, cache: cache, cfg: cfg}
}

// Router builds the chi handler. Exposed separately so tests can hit
// it without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/extensions", func(r chi.Router) {
		r.Get("/", s.handleExtensionList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleExtensionStatus)
			r.Post("/load", s.handleLifecycle(s.reg.Load))
			r.Post("/unload", s.handleLifecycle(s.reg.Unload))
			r.Post("/reload", s.handleLifecycle(s.reg.Reload))
		})
	})

	r.Route("/tenants/{id}", func(r chi.Router) {
		r.Get("/config", s.handleConfigGet)
		r.Put("/config", s.handleConfigPut)
		r.Post("/config/extensions/{name}/enable", s.handleExtensionToggle(true))
		r.Post("/config/extensions/{name}/disable", s.handleExtensionToggle(false))
		r.Delete("/cache", s.handleCacheDelete)
	})

	r.Post("/cache/invalidate", s.handleCacheInvalidate)

	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	readTO, _ := config.ParseDurationOrDefault("admin.read_timeout", s.cfg.ReadTimeout, 10*time.Second)
	writeTO, _ := config.ParseDurationOrDefault("admin.write_timeout", s.cfg.WriteTimeout, 30*time.Second)
	idleTO, _ := config.ParseDurationOrDefault("admin.idle_timeout", s.cfg.IdleTimeout, time.Minute)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		IdleTimeout:  idleTO,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("admin server listening", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExtensionList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.StatusAll())
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.reg.Known(name) {
		writeError(w, http.StatusNotFound, "unknown extension "+name)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Status(name))
}

func (s *Server) handleLifecycle(op func(name string) extension.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		res := op(name)
		code := http.StatusOK
		if !res.OK {
			code = http.StatusConflict
		}
		writeJSON(w, code, res)
	}
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.cache.Get(r.Context(), id, tenant.GetOptions{NoCreate: true})
	if err != nil {
		if errors.Is(err, tenant.ErrNoConfig) {
			writeError(w, http.StatusNotFound, "no config document for tenant "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleConfigPut replaces a tenant's document. The upload must keep
// the exact top-level key set of the current document; the guild id is
// forced server-side.
func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	current, err := s.cache.Get(r.Context(), id, tenant.GetOptions{NoCreate: true})
	if err != nil {
		if errors.Is(err, tenant.ErrNoConfig) {
			writeError(w, http.StatusNotFound, "no config document for tenant "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	currentDoc, err := json.Marshal(current)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !tenant.SchemaShapeMatches(currentDoc, body) {
		writeError(w, http.StatusBadRequest,
			"document shape mismatch: the uploaded key set must match the current document")
		return
	}

	var next tenant.Config
	if err := json.Unmarshal(body, &next); err != nil {
		writeError(w, http.StatusBadRequest, "decoding document: "+err.Error())
		return
	}
	if err := s.cache.Replace(r.Context(), id, &next); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, extension.Result{OK: true, Message: "config replaced for tenant " + id})
}

func (s *Server) handleExtensionToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		name := chi.URLParam(r, "name")
		if !s.reg.Known(name) {
			writeError(w, http.StatusNotFound, "unknown extension "+name)
			return
		}

		cfg, err := s.cache.Get(r.Context(), id, tenant.GetOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		changed := false
		if enable {
			if !cfg.ExtensionEnabled(name) {
				cfg.EnabledExtensions = append(cfg.EnabledExtensions, name)
				changed = true
			}
		} else {
			kept := cfg.EnabledExtensions[:0]
			for _, n := range cfg.EnabledExtensions {
				if n == name {
					changed = true
					continue
				}
				kept = append(kept, n)
			}
			cfg.EnabledExtensions = kept
		}
		if changed {
			if err := s.cache.Replace(r.Context(), id, cfg); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		verb := "disabled"
		if enable {
			verb = "enabled"
		}
		writeJSON(w, http.StatusOK, extension.Result{
			OK:      true,
			Message: name + " " + verb + " for tenant " + id,
		})
	}
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.cache.Invalidate(id)
	writeJSON(w, http.StatusOK, extension.Result{OK: true, Message: "cache invalidated for tenant " + id})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, _ *http.Request) {
	s.cache.InvalidateAll()
	writeJSON(w, http.StatusOK, extension.Result{OK: true, Message: "cache invalidated"})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, extension.Result{OK: false, Message: msg})
}
