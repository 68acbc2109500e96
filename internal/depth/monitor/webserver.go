package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/pipeline"
	"github.com/banshee-data/depthpose/internal/depth/storage/sqlite"
	"github.com/banshee-data/depthpose/internal/version"
)

// WebServer serves stored runs as JSON and charts, plus the most recent
// depth frame seen while a run is in progress.
type WebServer struct {
	address string
	store   *sqlite.RunStore
	server  *http.Server

	mu          sync.Mutex
	latest      *l3render.CoordinateImage
	latestLabel string
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Store   *sqlite.RunStore
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		store:   config.Store,
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the route mux.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/runs", ws.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", ws.handleGetRun)
	mux.HandleFunc("GET /charts/runs/{id}", ws.handleRunCharts)
	mux.HandleFunc("GET /charts/depth", ws.handleDepthChart)
	mux.HandleFunc("GET /{$}", ws.handleIndex)
	return mux
}

// RecordStep keeps the latest observed frame. It implements
// pipeline.StepSink.
func (ws *WebServer) RecordStep(_ context.Context, rec pipeline.StepRecord) error {
	if rec.Observed == nil {
		return nil
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.latest = rec.Observed
	ws.latestLabel = fmt.Sprintf("run %s frame %d", rec.RunID, rec.Frame)
	return nil
}

// SetFrame publishes a frame outside of a tracking run.
func (ws *WebServer) SetFrame(im *l3render.CoordinateImage, label string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.latest = im
	ws.latestLabel = label
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encoding error: %v", err)
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}

func (ws *WebServer) requireStore(w http.ResponseWriter) bool {
	if ws.store == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no run store configured")
		return false
	}
	return true
}

// handleListRuns returns the most recent runs.
// Query params:
//
//	limit (optional, default 50, max 500)
func (ws *WebServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 500 {
			ws.writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = v
	}
	runs, err := ws.store.ListRuns(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*sqlite.Run{}
	}
	ws.writeJSON(w, http.StatusOK, runs)
}

type runDetail struct {
	Run     *sqlite.Run     `json:"run"`
	Steps   []*sqlite.Step  `json:"steps"`
	Matches []*sqlite.Match `json:"matches"`
}

func (ws *WebServer) loadRun(w http.ResponseWriter, id string) (*runDetail, bool) {
	run, err := ws.store.GetRun(id)
	if errors.Is(err, sqlite.ErrNotFound) {
		ws.writeJSONError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	steps, err := ws.store.ListSteps(id)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	matches, err := ws.store.ListMatches(id)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return &runDetail{Run: run, Steps: steps, Matches: matches}, true
}

func (ws *WebServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	d, ok := ws.loadRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	ws.writeJSON(w, http.StatusOK, d)
}

func (ws *WebServer) handleRunCharts(w http.ResponseWriter, r *http.Request) {
	if !ws.requireStore(w) {
		return
	}
	d, ok := ws.loadRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := RenderRunPage(&buf, d.Run, d.Steps, d.Matches); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleDepthChart(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	im, label := ws.latest, ws.latestLabel
	ws.mu.Unlock()
	if im == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no depth frame published yet")
		return
	}
	var buf bytes.Buffer
	if err := DepthHeatmap(im, label).Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"deref": func(v *float64) float64 { return *v },
}).Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>depthpose runs</title></head>
<body>
<h1>depthpose runs</h1>
<p><a href="/charts/depth">latest depth frame</a></p>
<table>
<tr><th>run</th><th>kind</th><th>status</th><th>particles</th><th>frames</th><th>MAE</th></tr>
{{range .}}<tr>
<td><a href="/charts/runs/{{.RunID}}">{{.RunID}}</a></td><td>{{.Kind}}</td><td>{{.Status}}</td>
<td>{{.NumParticles}}</td><td>{{.NumFrames}}</td><td>{{if .MeanAbsError}}{{printf "%.4f" (deref .MeanAbsError)}}{{end}}</td>
</tr>{{end}}
</table>
</body></html>
`))

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	var runs []*sqlite.Run
	if ws.store != nil {
		var err error
		if runs, err = ws.store.ListRuns(50); err != nil {
			ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, runs); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
