package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"guildbot/internal/config"
	logx "guildbot/pkg/logx"
)

const defaultPprofAddr = "127.0.0.1:6060"

// pprofServer manages lifecycle for the debug HTTP listener.
type pprofServer struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string
}

func newPprofServer(log logx.Logger) *pprofServer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &pprofServer{log: log.With(logx.String("comp", "pprof"))}
}

// Apply starts/stops the pprof server according to cfg and updates profile rates.
func (p *pprofServer) Apply(ctx context.Context, cfg config.PprofConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultPprofAddr
	}

	// Update global profiling knobs even if server is disabled.
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !cfg.Enabled {
		p.stopLocked(ctx)
		return
	}

	if p.srv != nil && p.addr == cfg.Addr {
		return
	}

	p.stopLocked(ctx)
	p.startLocked(cfg)
}

func (p *pprofServer) startLocked(cfg config.PprofConfig) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		p.log.Warn("pprof listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	p.srv = srv
	p.ln = ln
	p.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Warn("pprof server error", logx.String("addr", p.addr), logx.Err(err))
		}
	}()
	p.log.Info("pprof enabled", logx.String("addr", p.addr))
}

// Stop gracefully shuts down the pprof server.
func (p *pprofServer) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(ctx)
}

func (p *pprofServer) stopLocked(ctx context.Context) {
	if p.srv == nil {
		return
	}
	srv := p.srv
	ln := p.ln
	p.srv = nil
	p.ln = nil
	addr := p.addr
	p.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Warn("pprof shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	p.log.Info("pprof disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (p *pprofServer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}
