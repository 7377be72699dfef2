package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/common/stats"
)

// StatusFunc returns what /status serves, marshalled as JSON.
type StatusFunc func() interface{}

func NewStatusServer(addr string, stat stats.StatsReceiver, status StatusFunc) *StatusServer {
	s := &StatusServer{Addr: addr, Stats: stat, Status: status}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// StatusServer exposes health, stats and run status over http.
type StatusServer struct {
	Addr   string
	Stats  stats.StatsReceiver
	Status StatusFunc

	srv *http.Server
}

func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	return mux
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *StatusServer) Serve() error {
	log.Infof("Serving http & stats on %s", s.Addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/status'", http.StatusNotImplemented)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

const (
	contentTypeHdr = "Content-Type"
	contentTypeVal = "application/json; charset=utf-8"
)

func (s *StatusServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentTypeHdr, contentTypeVal)
	pretty := r.URL.Query().Get("pretty") == "true"
	if _, err := io.Copy(w, bytes.NewBuffer(s.Stats.Render(pretty))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *StatusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		http.Error(w, "no status available", http.StatusNotFound)
		return
	}
	out, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(contentTypeHdr, contentTypeVal)
	w.Write(out)
}
