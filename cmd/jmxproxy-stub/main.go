// Command jmxproxy-stub serves broker metrics the way a jmxproxy does, from
// an in-memory table that can be seeded from YAML and changed at runtime.
// It backs local runs of kafkahealth without a Kafka cluster.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of -seed: address -> mbean path -> value.
type seedFile struct {
	Metrics map[string]map[string]string `yaml:"metrics"`
}

type stubState struct {
	mu      sync.RWMutex
	metrics map[string]map[string]string
	delay   time.Duration
}

func newStubState() *stubState {
	return &stubState{metrics: make(map[string]map[string]string)}
}

func (s *stubState) get(address, path string) (string, bool, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metrics[address][path]
	return v, ok, s.delay
}

func (s *stubState) set(address, path, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics[address] == nil {
		s.metrics[address] = make(map[string]string)
	}
	s.metrics[address][path] = value
}

func (s *stubState) remove(address, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics[address], path)
}

func (s *stubState) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *stubState) load(data []byte) error {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	for address, paths := range seed.Metrics {
		for path, value := range paths {
			s.set(address, path, value)
		}
	}
	return nil
}

func (s *stubState) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, paths := range s.metrics {
		n += len(paths)
	}
	return n
}

func newMux(state *stubState, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	// Metric read, as a jmxproxy: unknown attributes answer 404.
	mux.HandleFunc("GET /jmxproxy/{address}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		value, ok, delay := state.get(r.PathValue("address"), r.PathValue("path"))
		if delay > 0 {
			time.Sleep(delay)
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, value)
	})

	// Admin: set one attribute.
	mux.HandleFunc("PUT /admin/metrics/{address}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		address, path := r.PathValue("address"), r.PathValue("path")
		state.set(address, path, req.Value)
		logger.Info("set metric", "address", address, "path", path, "value", req.Value)
		w.WriteHeader(http.StatusNoContent)
	})

	// Admin: remove one attribute so that it reads as not found.
	mux.HandleFunc("DELETE /admin/metrics/{address}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		state.remove(r.PathValue("address"), r.PathValue("path"))
		w.WriteHeader(http.StatusNoContent)
	})

	// Admin: set the response delay.
	mux.HandleFunc("PUT /admin/delay", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
		if err != nil || ms < 0 {
			http.Error(w, "invalid ms parameter", http.StatusBadRequest)
			return
		}
		state.setDelay(time.Duration(ms) * time.Millisecond)
		logger.Info("set delay", "ms", ms)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"delay_ms": ms})
	})

	mux.HandleFunc("GET /admin/status", func(w http.ResponseWriter, r *http.Request) {
		_, _, delay := state.get("", "")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"metrics":  state.count(),
			"delay_ms": delay.Milliseconds(),
		})
	})
	return mux
}

func main() {
	addr := flag.String("listen", ":8000", "listen address")
	seed := flag.String("seed", "", "YAML file with initial metric values")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	state := newStubState()
	if *seed != "" {
		data, err := os.ReadFile(*seed)
		if err == nil {
			err = state.load(data)
		}
		if err != nil {
			logger.Error("load seed failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting jmxproxy-stub", "addr", *addr, "metrics", state.count())
	server := &http.Server{
		Addr:              *addr,
		Handler:           newMux(state, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
