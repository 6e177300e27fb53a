// Copyright 2024 The Gokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin implements this kernel core's local introspection
// HTTP API, grounded on admin.go's hand-rolled http.ServeMux handler
// (no router dependency: "never actually used by the teacher's own
// admin.go either", see DESIGN.md) and metrics.go's promauto-registered
// counters. It exposes read-only debug endpoints over the process
// table and device state instead of admin.go's config-management
// surface, since this kernel core has no running config to POST.
package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gokernel/core/dispatch"
	"github.com/gokernel/core/klog"
)

// metrics mirrors metrics.go's package-level adminMetrics struct: one
// counter vector tracking every request this endpoint serves.
var metrics = struct {
	requests *prometheus.CounterVec
}{
	requests: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gokernel",
		Subsystem: "admin_http",
		Name:      "requests_total",
		Help:      "Requests served by the admin introspection endpoint.",
	}, []string{"path", "code"}),
}

// Config is the admin endpoint's boot-time configuration, unmarshaled
// from the same YAML document as the rest of boot config (SPEC_FULL.md
// "Configuration").
type Config struct {
	Listen            string        `yaml:"listen"`
	Disabled          bool          `yaml:"disabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig matches admin.go's DefaultAdminListen precedent: a
// loopback-only address, since this endpoint has no authentication of
// its own.
func DefaultConfig() Config {
	return Config{
		Listen:            "localhost:2120",
		RequestsPerSecond: 20,
		Burst:             40,
		ShutdownGrace:     5 * time.Second,
	}
}

// Handler serves the introspection API. One Handler exists per booted
// kernel instance, wrapping its Dispatcher.
type Handler struct {
	d       *dispatch.Dispatcher
	mux     *http.ServeMux
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewHandler builds the routed mux: /metrics (Prometheus), /debug/pprof
// (Go runtime profiles, same as admin.go's pprof wiring), and this
// repository's own /debug/processes, /debug/fds, /debug/uname reads
// over the live Dispatcher state.
func NewHandler(d *dispatch.Dispatcher, cfg Config) *Handler {
	h := &Handler{
		d:       d,
		mux:     http.NewServeMux(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     klog.Named("admin"),
	}
	h.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	h.mux.HandleFunc("/debug/pprof/", pprof.Index)
	h.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	h.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	h.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	h.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	h.mux.HandleFunc("/debug/processes", h.handleProcesses)
	h.mux.HandleFunc("/debug/fds", h.handleFDs)
	h.mux.HandleFunc("/debug/uname", h.handleUname)
	return h
}

// ServeHTTP rate-limits through a single bucket shared by every client
// (the remote IP is only logged, not used to key separate limits)
// before delegating to the routed mux, logging every request the way
// admin.go's adminHandler.ServeHTTP does.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		metrics.requests.WithLabelValues(r.URL.Path, strconv.Itoa(http.StatusTooManyRequests)).Inc()
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	h.log.Debug("admin request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("remote_ip", ip))

	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	h.mux.ServeHTTP(sw, r)
	metrics.requests.WithLabelValues(r.URL.Path, strconv.Itoa(sw.code)).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (s *statusWriter) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		_ = json.NewEncoder(w).Encode(v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	_ = json.NewEncoder(gz).Encode(v)
}

type processSummary struct {
	Pid     int      `json:"pid"`
	Tid     int      `json:"tid"`
	Comm    string   `json:"comm"`
	Cmdline []string `json:"cmdline"`
	ExePath string   `json:"exe_path"`
}

func (h *Handler) handleProcesses(w http.ResponseWriter, r *http.Request) {
	threads := h.d.Registry.All()
	out := make([]processSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, processSummary{
			Pid:     t.Pid(),
			Tid:     t.Tid(),
			Comm:    t.Comm(),
			Cmdline: t.Cmdline(),
			ExePath: t.ExePath(),
		})
	}
	h.writeJSON(w, r, out)
}

func (h *Handler) handleFDs(w http.ResponseWriter, r *http.Request) {
	tidStr := r.URL.Query().Get("tid")
	tid, err := strconv.Atoi(tidStr)
	if err != nil {
		http.Error(w, "missing or invalid tid query parameter", http.StatusBadRequest)
		return
	}
	info, ok := h.d.Registry.Lookup(tid)
	if !ok {
		http.Error(w, "no such thread", http.StatusNotFound)
		return
	}
	fds := info.OpenFDs()
	out := make(map[int]string, len(fds))
	for _, fd := range fds {
		path, _ := info.FDPath(fd)
		out[fd] = path
	}
	h.writeJSON(w, r, out)
}

func (h *Handler) handleUname(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, h.d.Uname())
}
