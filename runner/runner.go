// Package runner provides a subprocess server for image generation.
// It listens on a local port and streams generation progress as ndjson.
package runner

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"imageflow/engine"
	"imageflow/tensor"
)

// Request is the image generation request format.
type Request struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	GuidanceScale  float32 `json:"guidance_scale,omitempty"`
	Width          int32   `json:"width,omitempty"`
	Height         int32   `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	InitImage      string  `json:"init_image,omitempty"`
	Strength       float32 `json:"strength,omitempty"`
}

// Response is streamed back for each progress update.
type Response struct {
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
	Done    bool   `json:"done"`
}

// Server holds the engine and handles requests.
type Server struct {
	mu     sync.Mutex
	engine *engine.Engine
	outDir string
}

// Execute is the entry point for the runner subprocess.
func Execute(args []string) error {
	fs := flag.NewFlagSet("image-runner", flag.ExitOnError)
	transformerPath := fs.String("transformer", "", "path to transformer checkpoint")
	textEncoderPath := fs.String("text-encoder", "", "path to text encoder checkpoint")
	decoderPath := fs.String("decoder", "", "path to decoder checkpoint")
	port := fs.Int("port", 0, "port to listen on")
	outDir := fs.String("out-dir", os.TempDir(), "directory for generated images")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *transformerPath == "" || *textEncoderPath == "" || *decoderPath == "" {
		return fmt.Errorf("--transformer, --text-encoder and --decoder are required")
	}
	if *port == 0 {
		return fmt.Errorf("--port is required")
	}

	slog.Info("starting image runner", "transformer", *transformerPath, "port", *port)

	e := engine.New(engine.Options{Logger: slog.Default()})
	if err := e.Load(context.Background(), engine.Paths{
		Transformer: *transformerPath,
		TextEncoder: *textEncoderPath,
		Decoder:     *decoderPath,
	}); err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}

	server := &Server{engine: e, outDir: *outDir}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.healthHandler)
	mux.HandleFunc("/completion", server.completionHandler)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", *port),
		Handler: mux,
	}

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down image runner")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
		close(done)
	}()

	slog.Info("image runner listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	<-done
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"components": s.engine.Loaded(),
	})
}

func (s *Server) completionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Serialize requests; the engine also serializes internally, but
	// queueing here keeps response streams ordered.
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Seed <= 0 {
		req.Seed = time.Now().UnixNano()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	writeResponse := func(resp Response) {
		data, _ := json.Marshal(resp)
		w.Write(data)
		w.Write([]byte("\n"))
		flusher.Flush()
	}

	ctx := r.Context()
	result, err := s.engine.Generate(ctx, &engine.GenerateRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		GuidanceScale:  req.GuidanceScale,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
		InitImagePath:  req.InitImage,
		Strength:       req.Strength,
		OnStep: func(step, total int, latents *tensor.Tensor) {
			writeResponse(Response{
				Content: fmt.Sprintf("\rGenerating: step %d/%d", step, total),
			})
		},
	})

	if err != nil {
		// No error response for client cancellation.
		if ctx.Err() != nil {
			return
		}
		writeResponse(Response{Content: fmt.Sprintf("error: %v", err), Done: true})
		return
	}

	outPath := filepath.Join(s.outDir, fmt.Sprintf("imageflow-%d.png", time.Now().UnixNano()))
	if err := engine.SaveImage(result.Image, outPath); err != nil {
		writeResponse(Response{Content: fmt.Sprintf("error saving: %v", err), Done: true})
		return
	}

	writeResponse(Response{
		Content: fmt.Sprintf("\n\nImage saved to: %s\n", outPath),
		Image:   outPath,
		Done:    true,
	})
}
