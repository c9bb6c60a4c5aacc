// Package app wires the server together: config, store, registry, fanout
// backplane, the signaling components, and the HTTP listener.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/chunk"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/gateway"
	"github.com/petervdpas/huddle/internal/message"
	"github.com/petervdpas/huddle/internal/presence"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
	"github.com/petervdpas/huddle/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the server and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	watcher, err := config.Watch(opt.CfgPath, cfg)
	if err != nil {
		return err
	}
	defer watcher.Close()

	st, err := store.Open(util.ResolvePath(opt.DataDir, cfg.Store.DataDir))
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New()

	var backplane dispatch.Backplane
	if cfg.Backplane.Enabled {
		bp, err := dispatch.NewZMQBackplane(cfg.Backplane.BindAddr, cfg.Backplane.Peers)
		if err != nil {
			return fmt.Errorf("start backplane: %w", err)
		}
		defer bp.Close()
		backplane = bp
		log.Infow("backplane up", "bind", cfg.Backplane.BindAddr, "peers", len(cfg.Backplane.Peers))
	}

	fanout := dispatch.New(reg, st, backplane)
	pres := presence.New(reg, st, fanout)
	calls := call.New(reg, st, fanout)
	chunks := chunk.New(reg, st, fanout)
	defer chunks.Close()
	msgs := message.New(st, fanout)

	gw := gateway.New(reg, st, pres, calls, chunks, msgs, fanout)

	mux := http.NewServeMux()
	gw.Register(mux)
	registerICE(mux, watcher)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)

		// Shutdown does not touch hijacked websockets; closing the sinks
		// unwinds every read loop through the normal unbind cascade.
		for _, c := range reg.Snapshot() {
			c.CloseTransport()
		}
	}()

	log.Infow("listening", "addr", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// registerICE serves the ICE server list clients use for call and
// file-transfer peer connections. Reads the watcher so a config edit
// reaches new calls without a restart.
func registerICE(mux *http.ServeMux, watcher *config.Watcher) {
	mux.HandleFunc("/api/ice", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"servers": watcher.ICEServers(),
		})
	})
}
