package server

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelshard.ai/internal/octree"
)

type treeReport struct {
	ID           string       `json:"id"`
	Uptime       string       `json:"uptime"`
	Jurisdiction string       `json:"jurisdiction"`
	Tree         octree.Stats `json:"tree"`
	MemoryBytes  int64        `json:"memory_bytes"`
	Peers        int          `json:"peers"`
}

func (s *Server) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/tree", func(rw http.ResponseWriter, r *http.Request) {
		st := s.tree.Stats()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(treeReport{
			ID:           s.id.String(),
			Uptime:       time.Since(s.started).Round(time.Second).String(),
			Jurisdiction: s.region.String(),
			Tree:         st,
			MemoryBytes:  st.MemoryBytes(),
			Peers:        s.peers.Len(),
		})
	})
	if p := s.cfg.Listen.WSPath; p != "" {
		mux.HandleFunc(p, s.ws.Handler())
	}
	if s.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}
