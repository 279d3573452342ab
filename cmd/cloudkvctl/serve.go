package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine's put/get/del surface and background workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	s, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	s.bgw.Start()
	metrics.RegisterComponent("metadb", true, "")
	metrics.RegisterComponent("blobstore", true, "")
	metrics.RegisterComponent("fileindex", s.fileIndex != nil, "disabled")

	collector := metrics.NewCollector(s.engine)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/v1/transaction", handleNewTransaction(s))
	mux.HandleFunc("/v1/object", handleObject(s))
	mux.HandleFunc("/v1/stats", handleStats(s))

	srv := &http.Server{Addr: addr, Handler: mux}

	logger := log.WithComponent("serve")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func tenantParam(r *http.Request) types.TenantID {
	n, _ := strconv.ParseInt(r.URL.Query().Get("tenant"), 10, 64)
	return types.TenantID(n)
}

func transParam(r *http.Request) types.TransID {
	n, _ := strconv.ParseInt(r.URL.Query().Get("trans"), 10, 64)
	return types.TransID(n)
}

func handleNewTransaction(s *stack) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantParam(r)
		id, err := s.engine.NewTransaction(r.Context(), tenant)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]int64{"trans_id": int64(id)})
	}
}

func handleObject(s *stack) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantParam(r)
		trans := transParam(r)
		tkey := types.RawKey(r.URL.Query().Get("key"))

		switch r.Method {
		case http.MethodPut:
			size := r.ContentLength
			_, _, err := s.engine.Put(r.Context(), tenant, tkey, trans, r.Body, size, 0)
			if err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			sink := &httpSink{w: w}
			_, err := s.engine.Get(r.Context(), tenant, tkey, trans, sink)
			if err != nil {
				writeErr(w, err)
				return
			}
		case http.MethodDelete:
			if err := s.engine.Del(r.Context(), tenant, []types.RawKey{tkey}, trans); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleStats(s *stack) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.engine.GetStats(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"stats":       st,
			"meminfo":     s.engine.Meminfo(),
			"scrub_stats": s.engine.ScrubStats(),
		})
	}
}

// httpSink adapts an http.ResponseWriter to io.WriterAt for Get's
// streaming contract; cloudkvctl always serves whole objects sequentially
// so offsets arrive in order and a running write position suffices.
type httpSink struct {
	w        http.ResponseWriter
	wroteHdr bool
}

func (h *httpSink) WriteAt(p []byte, off int64) (int, error) {
	if !h.wroteHdr {
		h.w.WriteHeader(http.StatusOK)
		h.wroteHdr = true
	}
	return h.w.Write(p)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
