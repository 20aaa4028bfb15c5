// Command backends runs lightweight HTTP mock servers that simulate a
// llama-server fleet. It is used for E2E/load testing the balancer without
// GPUs.
//
// Each backend serves both the health port and the model port of one node:
//
//	gpu-a  health :18081  model :18082
//	gpu-b  health :18091  model :18092
//
// Environment overrides:
//
//	MOCK_HEALTH_MODE  — idle | busy | json | garbage (default json)
//	MOCK_GPU_UTIL     — gpu_util_max5s reported in json mode (default 12.5)
//	MOCK_MODELS       — comma-separated model list (default "llama3,llama3-2,qwen")
//	MOCK_LATENCY_MS   — artificial latency added to chat responses (default 0)
//	MOCK_STREAM_WORDS — words in streaming responses (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime behaviour shared across all mock backends.
type Config struct {
	HealthMode  string
	GPUUtil     float64
	Models      []string
	LatencyMS   int
	StreamWords int
}

func loadConfig() Config {
	c := Config{
		HealthMode:  "json",
		GPUUtil:     12.5,
		Models:      []string{"llama3", "llama3-2", "qwen"},
		StreamWords: 10,
	}

	if v := os.Getenv("MOCK_HEALTH_MODE"); v != "" {
		c.HealthMode = v
	}
	if v := os.Getenv("MOCK_GPU_UTIL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.GPUUtil = f
		}
	}
	if v := os.Getenv("MOCK_MODELS"); v != "" {
		c.Models = strings.Split(v, ",")
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes := []struct {
		name       string
		healthPort int
		modelPort  int
	}{
		{"gpu-a", 18081, 18082},
		{"gpu-b", 18091, 18092},
	}

	var servers []*http.Server
	for _, n := range nodes {
		servers = append(servers,
			startServer(n.name+"-health", fmt.Sprintf(":%d", n.healthPort), healthHandler(cfg), log),
			startServer(n.name+"-model", fmt.Sprintf(":%d", n.modelPort), modelHandler(n.name, cfg), log),
		)
	}

	<-ctx.Done()
	log.Info("shutting down mock backends")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(shutdownCtx)
		}(srv)
	}
	wg.Wait()
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock backend listening", slog.String("server", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("mock backend failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

// healthHandler answers /llmhealth in one of the formats real nodes use.
func healthHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/llmhealth", func(w http.ResponseWriter, r *http.Request) {
		switch cfg.HealthMode {
		case "idle", "busy":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, cfg.HealthMode)
		case "garbage":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status": idle`)
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":         "idle",
				"gpu_util_max5s": cfg.GPUUtil,
				"window_seconds": 5,
			})
		}
	})
	return mux
}

// modelHandler answers the OpenAI-compatible surface of one node.
func modelHandler(name string, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, 0, len(cfg.Models))
		for _, m := range cfg.Models {
			data = append(data, map[string]string{"id": strings.TrimSpace(m), "object": "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if cfg.LatencyMS > 0 {
			time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Stream {
			streamChat(w, req.Model, cfg.StreamWords)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "mock reply from " + name},
				"finish_reason": "stop",
			}},
		})
	})

	return mux
}

func streamChat(w http.ResponseWriter, model string, words int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	for i := 0; i < words; i++ {
		chunk := map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": fmt.Sprintf("word%d ", i)},
			}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
