// Command demo walks the full playlist lifecycle against a running Cadenza
// deployment. It starts an in-process worker that serves task calls and the
// final delivery, registers demo plugins and a three-step strategy through
// the catalog, triggers a playlist through the conductor, and reports each
// segue back until the playlist completes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
)

type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &apiClient{
		baseURL:   baseURL,
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) (*http.Response, []byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type plugin struct {
	PluginSlug string `json:"plugin_slug"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

type strategy struct {
	StrategySlug string `json:"strategy_slug"`
	Steps        []struct {
		StepID     string `json:"step_id"`
		PluginSlug string `json:"plugin_slug"`
	} `json:"steps"`
}

type playlist struct {
	PlaylistSlug  string `json:"playlist_slug"`
	Status        string `json:"status"`
	CurrentStepID string `json:"current_step_id"`
	Version       int64  `json:"version"`
}

type playlistContext struct {
	PlaylistSlug string `json:"playlist_slug"`
	Origin       string `json:"origin"`
	Sequence     []struct {
		StepID     string          `json:"step_id"`
		PluginSlug string          `json:"plugin_slug"`
		Output     json.RawMessage `json:"output"`
	} `json:"sequence"`
}

type eventList struct {
	Events []struct {
		EventID int64  `json:"event_id"`
		Action  string `json:"action"`
	} `json:"events"`
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("demo-%s", now.Format("20060102T150405Z"))
	defaultSuffix := now.Format("20060102-150405")

	var (
		baseURL    = flag.String("gateway", envOr("CADENZA_GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
		token      = flag.String("token", envOr("CADENZA_BEARER_TOKEN", ""), "Bearer token (optional; required for OIDC mode)")
		requestID  = flag.String("request-id", envOr("CADENZA_DEMO_REQUEST_ID", defaultRequestID), "X-Request-Id for correlation")
		nameSuffix = flag.String("name-suffix", envOr("CADENZA_DEMO_SUFFIX", defaultSuffix), "Suffix to avoid slug collisions")
		workerHost = flag.String("worker-host", envOr("CADENZA_DEMO_WORKER_HOST", "localhost"), "Hostname the conductor uses to reach the demo worker")
		workerAddr = flag.String("worker-addr", envOr("CADENZA_DEMO_WORKER_ADDR", "127.0.0.1:0"), "Listen address for the demo worker")
	)
	flag.Parse()

	client := newAPIClient(*baseURL, *token, *requestID)

	fmt.Printf("==> cadenza demo (gateway=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Start the in-process worker. It serves both task calls and the
	// final delivery, so it doubles as the playlist's origin.
	worker := newDemoWorker()
	port, err := worker.listen(*workerAddr)
	if err != nil {
		die("start demo worker", err)
	}
	defer worker.close()
	fmt.Printf("==> demo worker listening on %s:%d\n", *workerHost, port)

	// 2) Register one plugin per pipeline stage, all backed by the worker.
	capabilities := []string{"extract", "transform", "load"}
	pluginSlugs := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		slug := fmt.Sprintf("demo-%s-%s", capability, *nameSuffix)
		var created plugin
		if err := client.postJSON("/api/catalog/plugins", map[string]any{
			"slug":       slug,
			"host":       *workerHost,
			"port":       port,
			"capability": capability,
		}, &created); err != nil {
			die("register plugin "+slug, err)
		}
		pluginSlugs = append(pluginSlugs, created.PluginSlug)
		fmt.Printf("==> registered plugin: %s (%s:%d)\n", created.PluginSlug, created.Host, created.Port)
	}

	// 3) Create the strategy chaining the three stages.
	strategySlug := "demo-etl-" + *nameSuffix
	steps := make([]map[string]any, 0, len(pluginSlugs))
	for i, slug := range pluginSlugs {
		steps = append(steps, map[string]any{
			"plugin_slug": slug,
			"metadata":    map[string]any{"stage": capabilities[i]},
		})
	}
	var createdStrategy strategy
	if err := client.postJSON("/api/catalog/strategies", map[string]any{
		"slug":  strategySlug,
		"name":  "Demo ETL " + *nameSuffix,
		"steps": steps,
	}, &createdStrategy); err != nil {
		die("create strategy", err)
	}
	fmt.Printf("==> created strategy: %s (steps=%d)\n", createdStrategy.StrategySlug, len(createdStrategy.Steps))

	// 4) Trigger a playlist. The origin points back at the worker, so the
	// final delivery lands in this process too.
	origin := fmt.Sprintf("http://%s:%d", *workerHost, port)
	var triggered playlist
	if err := client.postJSON("/api/conductor/playlists", map[string]any{
		"strategy_slug": createdStrategy.StrategySlug,
		"context":       `{"source":"demo","requested_by":"cmd/demo"}`,
		"origin":        origin,
	}, &triggered); err != nil {
		die("trigger playlist", err)
	}
	fmt.Printf("==> triggered playlist: %s (status=%s)\n", triggered.PlaylistSlug, triggered.Status)

	// 5) The worker reports each step's output itself; poll until the
	// playlist reaches a terminal status.
	final, err := pollPlaylist(client, triggered.PlaylistSlug, 60, 500*time.Millisecond)
	if err != nil {
		die("wait for playlist", err)
	}
	fmt.Printf("==> playlist finished: %s (status=%s version=%d)\n", final.PlaylistSlug, final.Status, final.Version)
	if final.Status != "complete" {
		die("playlist did not complete", fmt.Errorf("status=%s", final.Status))
	}

	// 6) Show the per-step outputs accumulated in the context document.
	var doc playlistContext
	if err := client.getJSON("/api/conductor/playlists/"+final.PlaylistSlug+"/context", &doc); err != nil {
		die("fetch playlist context", err)
	}
	for _, step := range doc.Sequence {
		fmt.Printf("==> step %s (%s): output=%s\n", step.StepID, step.PluginSlug, compactJSON(step.Output))
	}

	// 7) A delivery arrives at the origin after every applied segue; drain
	// until the terminal one.
waitDeliveries:
	for {
		select {
		case delivery := <-worker.deliveries:
			fmt.Printf("==> delivery received: playlist=%s status=%s outputs=%d\n",
				delivery.Playlist.PlaylistSlug, delivery.Playlist.Status, countOutputs(delivery.Context))
			if delivery.Playlist.Status != "running" {
				break waitDeliveries
			}
		case <-time.After(5 * time.Second):
			die("wait for delivery", fmt.Errorf("no terminal delivery within 5s"))
		}
	}

	// 8) Audit trail for the playlist.
	var audit eventList
	if err := client.getJSON("/api/conductor/playlists/"+final.PlaylistSlug+"/events", &audit); err != nil {
		die("fetch playlist events", err)
	}
	actions := make([]string, 0, len(audit.Events))
	for _, event := range audit.Events {
		actions = append(actions, event.Action)
	}
	fmt.Printf("==> audit events: count=%d actions=%s\n", len(audit.Events), strings.Join(actions, ","))

	fmt.Println()
	fmt.Println("Next: inspect the playlist through the gateway.")
	fmt.Printf("  - playlist: /api/conductor/playlists/%s\n", final.PlaylistSlug)
	fmt.Printf("  - context:  /api/conductor/playlists/%s/context\n", final.PlaylistSlug)
	fmt.Printf("  - stream:   /api/conductor/playlists/%s/stream\n", final.PlaylistSlug)
}

func pollPlaylist(client *apiClient, slug string, attempts int, interval time.Duration) (playlist, error) {
	var last playlist
	for i := 0; i < attempts; i++ {
		if err := client.getJSON("/api/conductor/playlists/"+slug, &last); err != nil {
			return playlist{}, err
		}
		if last.Status == "complete" || last.Status == "failed" {
			return last, nil
		}
		time.Sleep(interval)
	}
	return last, nil
}

// demoWorker serves the worker side of the protocol: it accepts task calls,
// reports each step's output back through the segue callback, and receives
// the final delivery as the playlist's origin.
type demoWorker struct {
	server     *http.Server
	listener   net.Listener
	http       *http.Client
	deliveries chan contracts.DeliveryEnvelope
}

func newDemoWorker() *demoWorker {
	worker := &demoWorker{
		http:       &http.Client{Timeout: 10 * time.Second},
		deliveries: make(chan contracts.DeliveryEnvelope, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+contracts.ProcedurePerformTask, worker.handlePerformTask)
	mux.HandleFunc("POST "+contracts.ProcedureDeliver, worker.handleDeliver)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}\n"))
	})
	worker.server = &http.Server{Handler: mux}
	return worker
}

func (worker *demoWorker) listen(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	worker.listener = listener
	go func() { _ = worker.server.Serve(listener) }()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (worker *demoWorker) close() {
	_ = worker.server.Close()
}

func (worker *demoWorker) handlePerformTask(w http.ResponseWriter, r *http.Request) {
	var req contracts.PerformTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	envelope, err := contracts.DecodeTaskEnvelope(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pluginSlug := ""
	for _, step := range envelope.Context.Sequence {
		if step.StepID == envelope.Step {
			pluginSlug = step.PluginSlug
			break
		}
	}
	fmt.Printf("  -> worker performing step %s (%s) for %s\n", envelope.Step, pluginSlug, envelope.Playlist.PlaylistSlug)

	// Acknowledge first, then report the output asynchronously the way a
	// real worker would once its task finishes.
	go worker.reportSegue(envelope, pluginSlug)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contracts.PerformTaskResponse{Success: true})
}

func (worker *demoWorker) reportSegue(envelope contracts.TaskEnvelope, pluginSlug string) {
	time.Sleep(100 * time.Millisecond)

	output, err := json.Marshal(map[string]any{
		"step":         envelope.Step,
		"plugin":       pluginSlug,
		"performed_at": time.Now().UTC().Format(time.RFC3339),
		"rows":         42,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode output: %v\n", err)
		return
	}

	payload, err := json.Marshal(contracts.SegueRequest{Output: string(output)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode segue: %v\n", err)
		return
	}
	req, err := http.NewRequest("POST", envelope.Callback, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: build segue request: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if envelope.Token != "" {
		req.Header.Set("Authorization", "Bearer "+envelope.Token)
	}
	resp, err := worker.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: segue callback: %v\n", err)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fmt.Fprintf(os.Stderr, "error: segue callback status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return
	}
	fmt.Printf("  -> worker reported step %s\n", envelope.Step)
}

func (worker *demoWorker) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req contracts.DeliverRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	envelope, err := contracts.DecodeDeliveryEnvelope(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case worker.deliveries <- envelope:
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contracts.DeliverResponse{Success: true})
}

func countOutputs(doc contracts.ContextSnapshot) int {
	count := 0
	for _, step := range doc.Sequence {
		if len(step.Output) > 0 {
			count++
		}
	}
	return count
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "<none>"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
