package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
	"github.com/cadenza-labs/cadenza-go/internal/storage/contextstore"
)

func testEngine(t *testing.T, strategy domain.Strategy) (*Engine, *fakePlaylists, *contextstore.MemoryStore, *fakeDispatcher) {
	t.Helper()
	playlists := newFakePlaylists()
	contexts := contextstore.NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	eng, err := New(Config{
		Logger:              slog.New(slog.NewTextHandler(&strings.Builder{}, nil)),
		Playlists:           playlists,
		Strategies:          &fakeStrategies{strategies: map[string]domain.Strategy{strategy.Slug: strategy}},
		Contexts:            contexts,
		Dispatcher:          dispatcher,
		CallbackBaseURL:     "http://conductor:8086/",
		PlaylistTokenSecret: "test-secret",
		PlaylistTokenTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, playlists, contexts, dispatcher
}

func threeStepStrategy(t *testing.T) domain.Strategy {
	t.Helper()
	plugin := func(slug string, port int) domain.Plugin {
		return domain.Plugin{ID: "plugin-" + slug, Slug: slug, Name: slug, Host: "worker", Port: port}
	}
	steps := []domain.Step{
		{ID: "step-a", StrategyID: "strat-1", PluginID: "plugin-extract", Plugin: plugin("extract", 9101)},
		{ID: "step-b", StrategyID: "strat-1", PluginID: "plugin-transform", Plugin: plugin("transform", 9102)},
		{ID: "step-c", StrategyID: "strat-1", PluginID: "plugin-load", Plugin: plugin("load", 9103)},
	}
	strategy := domain.Strategy{
		ID:          "strat-1",
		Slug:        "etl",
		Name:        "ETL",
		EntryStepID: "step-a",
		Steps:       domain.LinkChain(steps),
		CreatedAt:   time.Now().UTC(),
	}
	if err := strategy.Validate(); err != nil {
		t.Fatalf("strategy fixture invalid: %v", err)
	}
	return strategy
}

func TestTriggerStartsFirstStep(t *testing.T) {
	eng, _, contexts, dispatcher := testEngine(t, threeStepStrategy(t))

	playlist, err := eng.Trigger(context.Background(), AuditInfo{Actor: "tester"}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Context:      `{"tenant":"acme"}`,
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if playlist.Status != domain.PlaylistStatusRunning {
		t.Fatalf("status=%s, want running", playlist.Status)
	}
	if playlist.CurrentStepID != "step-a" {
		t.Fatalf("current step=%q, want step-a", playlist.CurrentStepID)
	}
	if playlist.Version != 2 {
		t.Fatalf("version=%d, want 2 after created->running", playlist.Version)
	}

	doc, err := contexts.Get(context.Background(), playlist.ID)
	if err != nil {
		t.Fatalf("context Get: %v", err)
	}
	if string(doc.Metadata) != `{"tenant":"acme"}` || len(doc.Sequence) != 3 {
		t.Fatalf("unexpected run context: %+v", doc)
	}

	tasks := dispatcher.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("dispatched tasks=%d, want 1", len(tasks))
	}
	envelope, err := contracts.DecodeTaskEnvelope(tasks[0].req.Payload)
	if err != nil {
		t.Fatalf("DecodeTaskEnvelope: %v", err)
	}
	if envelope.Step != "step-a" {
		t.Fatalf("envelope step=%q, want step-a", envelope.Step)
	}
	wantCallback := "http://conductor:8086/playlists/" + playlist.Slug + "/segue"
	if envelope.Callback != wantCallback {
		t.Fatalf("callback=%q, want %q", envelope.Callback, wantCallback)
	}
	if envelope.Token == "" {
		t.Fatalf("expected a playlist token in the envelope")
	}
	if tasks[0].host != "worker" || tasks[0].port != 9101 {
		t.Fatalf("task sent to %s:%d, want worker:9101", tasks[0].host, tasks[0].port)
	}
}

func TestTriggerUnknownStrategy(t *testing.T) {
	eng, playlists, _, _ := testEngine(t, threeStepStrategy(t))

	_, err := eng.Trigger(context.Background(), AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "nope",
		Origin:       "http://origin:9200",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected repo.ErrNotFound, got %v", err)
	}
	if playlists.count() != 0 {
		t.Fatalf("no playlist should be created for an unknown strategy")
	}
}

func TestTriggerValidation(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	cases := []contracts.TriggerRequest{
		{StrategySlug: "", Origin: "http://origin:9200"},
		{StrategySlug: "etl", Origin: "http://origin:9200", Context: "{broken"},
		{StrategySlug: "etl", Origin: "http://origin:9200", Context: "not json"},
	}
	for i, req := range cases {
		if _, err := eng.Trigger(ctx, AuditInfo{}, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestTriggerAcceptsMalformedOrigin(t *testing.T) {
	eng, _, _, dispatcher := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "not a url",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if playlist.Status != domain.PlaylistStatusRunning {
		t.Fatalf("status=%s, want running", playlist.Status)
	}

	for _, output := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: output}); err != nil {
			t.Fatalf("Segue: %v", err)
		}
	}
	if playlist.Status != domain.PlaylistStatusComplete {
		t.Fatalf("status=%s, want complete", playlist.Status)
	}
	if got := len(dispatcher.Deliveries()); got != 0 {
		t.Fatalf("deliveries=%d, want 0 for a malformed origin", got)
	}
}

func TestSegueWalksChainToCompletion(t *testing.T) {
	eng, _, contexts, dispatcher := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	outputs := []string{`{"rows":10}`, `{"rows":9}`, `{"rows":9,"loaded":true}`}
	wantSteps := []string{"step-b", "step-c", ""}
	for i, output := range outputs {
		playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: output})
		if err != nil {
			t.Fatalf("Segue %d: %v", i, err)
		}
		if playlist.CurrentStepID != wantSteps[i] {
			t.Fatalf("Segue %d: current step=%q, want %q", i, playlist.CurrentStepID, wantSteps[i])
		}
	}
	if playlist.Status != domain.PlaylistStatusComplete {
		t.Fatalf("status=%s, want complete", playlist.Status)
	}
	if playlist.CurrentStepID != "" {
		t.Fatalf("complete playlist should have an empty cursor, got %q", playlist.CurrentStepID)
	}

	doc, err := contexts.Get(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("context Get: %v", err)
	}
	for i, want := range outputs {
		if string(doc.Sequence[i].Output) != want {
			t.Fatalf("step %d output=%s, want %s", i, doc.Sequence[i].Output, want)
		}
	}

	if got := len(dispatcher.Tasks()); got != 3 {
		t.Fatalf("dispatched tasks=%d, want 3", got)
	}
	// One delivery per applied segue, intermediate steps included.
	deliveries := dispatcher.Deliveries()
	if len(deliveries) != 3 {
		t.Fatalf("deliveries=%d, want 3", len(deliveries))
	}
	for i, delivery := range deliveries {
		if delivery.origin != "http://origin:9200" {
			t.Fatalf("delivery %d went to %q", i, delivery.origin)
		}
	}
	first, err := contracts.DecodeDeliveryEnvelope(deliveries[0].req.Payload)
	if err != nil {
		t.Fatalf("DecodeDeliveryEnvelope: %v", err)
	}
	if first.Playlist.Status != string(domain.PlaylistStatusRunning) {
		t.Fatalf("intermediate delivery status=%s, want running", first.Playlist.Status)
	}
	if string(first.Context.Sequence[0].Output) != outputs[0] {
		t.Fatalf("intermediate delivery missing step output: %+v", first.Context)
	}
	last, err := contracts.DecodeDeliveryEnvelope(deliveries[2].req.Payload)
	if err != nil {
		t.Fatalf("DecodeDeliveryEnvelope: %v", err)
	}
	if last.Playlist.Status != string(domain.PlaylistStatusComplete) {
		t.Fatalf("final delivery status=%s, want complete", last.Playlist.Status)
	}
	if len(last.Context.Sequence) != 3 || string(last.Context.Sequence[2].Output) != outputs[2] {
		t.Fatalf("final delivery context missing outputs: %+v", last.Context)
	}
}

func TestSegueRejectsBadOutput(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if _, err := eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: "not json"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: "   "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank output, got %v", err)
	}
}

func TestSegueAfterCompletionConflicts(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	for i := 0; i < 3; i++ {
		if playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`}); err != nil {
			t.Fatalf("Segue %d: %v", i, err)
		}
	}

	if _, err := eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected repo.ErrConflict after completion, got %v", err)
	}
}

func TestSegueUnknownPlaylist(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	if _, err := eng.Segue(context.Background(), AuditInfo{}, "pl-missing", contracts.SegueRequest{Output: `{}`}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected repo.ErrNotFound, got %v", err)
	}
}

func TestDispatchFailureLeavesPlaylistRunning(t *testing.T) {
	eng, playlists, _, dispatcher := testEngine(t, threeStepStrategy(t))
	dispatcher.taskErr = fmt.Errorf("worker unreachable")

	playlist, err := eng.Trigger(context.Background(), AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if playlist.Status != domain.PlaylistStatusRunning {
		t.Fatalf("returned status=%s, want running despite dispatch failure", playlist.Status)
	}
	if playlist.Version != 2 {
		t.Fatalf("returned version=%d, want 2 after created->running", playlist.Version)
	}

	stored, err := playlists.GetPlaylistBySlug(context.Background(), playlist.Slug)
	if err != nil {
		t.Fatalf("GetPlaylistBySlug: %v", err)
	}
	if stored.Status != domain.PlaylistStatusRunning {
		t.Fatalf("status=%s, want running despite dispatch failure", stored.Status)
	}
	if stored.CurrentStepID != "step-a" {
		t.Fatalf("cursor=%q, want step-a", stored.CurrentStepID)
	}
}

func TestDeliveryFailureDoesNotFailSegue(t *testing.T) {
	eng, _, _, dispatcher := testEngine(t, threeStepStrategy(t))
	dispatcher.deliverErr = fmt.Errorf("origin unreachable")
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	for i := 0; i < 3; i++ {
		if playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`}); err != nil {
			t.Fatalf("Segue %d: %v", i, err)
		}
	}
	if playlist.Status != domain.PlaylistStatusComplete {
		t.Fatalf("status=%s, want complete despite failed delivery", playlist.Status)
	}
}

func TestSegueReplayAfterAdvanceIsAccepted(t *testing.T) {
	eng, playlists, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Simulate a duplicate callback racing this one: the CAS loses and the
	// row has already moved to step-b by the time the conflict is observed.
	playlists.failNextAdvance = true
	got, err := eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{"rows":10}`})
	if err != nil {
		t.Fatalf("replayed segue should succeed, got %v", err)
	}
	if got.CurrentStepID != "step-b" {
		t.Fatalf("replay returned cursor %q, want step-b", got.CurrentStepID)
	}
}

func TestCrashKeepsCursorAndIsIdempotent(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`})
	if err != nil {
		t.Fatalf("Segue: %v", err)
	}

	failed, err := eng.Crash(ctx, AuditInfo{}, playlist.Slug, contracts.CrashRequest{Reason: "worker exploded"})
	if err != nil {
		t.Fatalf("Crash: %v", err)
	}
	if failed.Status != domain.PlaylistStatusFailed {
		t.Fatalf("status=%s, want failed", failed.Status)
	}
	if failed.CurrentStepID != "step-b" {
		t.Fatalf("cursor=%q, want step-b preserved on failure", failed.CurrentStepID)
	}

	again, err := eng.Crash(ctx, AuditInfo{}, playlist.Slug, contracts.CrashRequest{})
	if err != nil {
		t.Fatalf("repeated Crash: %v", err)
	}
	if again.Status != domain.PlaylistStatusFailed || again.Version != failed.Version {
		t.Fatalf("repeated crash mutated the playlist: %+v", again)
	}

	if _, err := eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected repo.ErrConflict after crash, got %v", err)
	}
}

func TestCrashCompletePlaylistConflicts(t *testing.T) {
	eng, _, _, _ := testEngine(t, threeStepStrategy(t))
	ctx := context.Background()

	playlist, err := eng.Trigger(ctx, AuditInfo{}, contracts.TriggerRequest{
		StrategySlug: "etl",
		Origin:       "http://origin:9200",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	for i := 0; i < 3; i++ {
		if playlist, err = eng.Segue(ctx, AuditInfo{}, playlist.Slug, contracts.SegueRequest{Output: `{}`}); err != nil {
			t.Fatalf("Segue %d: %v", i, err)
		}
	}

	if _, err := eng.Crash(ctx, AuditInfo{}, playlist.Slug, contracts.CrashRequest{}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected repo.ErrConflict crashing a complete playlist, got %v", err)
	}
}

type fakePlaylists struct {
	mu              sync.Mutex
	byID            map[string]domain.Playlist
	failNextAdvance bool
}

func newFakePlaylists() *fakePlaylists {
	return &fakePlaylists{byID: make(map[string]domain.Playlist)}
}

func (f *fakePlaylists) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

func (f *fakePlaylists) CreatePlaylist(ctx context.Context, playlist domain.Playlist) error {
	if err := playlist.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[playlist.ID] = playlist
	return nil
}

func (f *fakePlaylists) GetPlaylistBySlug(ctx context.Context, slug string) (domain.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, playlist := range f.byID {
		if playlist.Slug == slug {
			return playlist, nil
		}
	}
	return domain.Playlist{}, repo.ErrNotFound
}

func (f *fakePlaylists) ListPlaylists(ctx context.Context, filter repo.PlaylistFilter) ([]domain.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Playlist, 0, len(f.byID))
	for _, playlist := range f.byID {
		out = append(out, playlist)
	}
	return out, nil
}

func (f *fakePlaylists) AdvancePlaylist(ctx context.Context, id string, version int64, status domain.PlaylistStatus, currentStepID string) (domain.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	playlist, ok := f.byID[id]
	if !ok {
		return domain.Playlist{}, repo.ErrNotFound
	}
	if f.failNextAdvance {
		// The competing writer applies the same advance first; this call
		// observes a version miss.
		f.failNextAdvance = false
		playlist.Status = status
		playlist.CurrentStepID = currentStepID
		playlist.Version++
		playlist.UpdatedAt = time.Now().UTC()
		f.byID[id] = playlist
		return domain.Playlist{}, repo.ErrConflict
	}
	if playlist.Version != version {
		return domain.Playlist{}, repo.ErrConflict
	}
	playlist.Status = status
	playlist.CurrentStepID = currentStepID
	playlist.Version++
	playlist.UpdatedAt = time.Now().UTC()
	f.byID[id] = playlist
	return playlist, nil
}

type fakeStrategies struct {
	strategies map[string]domain.Strategy
}

func (f *fakeStrategies) CreateStrategy(ctx context.Context, strategy domain.Strategy) error {
	f.strategies[strategy.Slug] = strategy
	return nil
}

func (f *fakeStrategies) FindStrategyBySlug(ctx context.Context, slug string) (domain.Strategy, error) {
	strategy, ok := f.strategies[slug]
	if !ok {
		return domain.Strategy{}, repo.ErrNotFound
	}
	return strategy, nil
}

func (f *fakeStrategies) ListStrategies(ctx context.Context, filter repo.StrategyFilter) ([]domain.Strategy, error) {
	out := make([]domain.Strategy, 0, len(f.strategies))
	for _, strategy := range f.strategies {
		out = append(out, strategy)
	}
	return out, nil
}

type dispatchedTask struct {
	host string
	port int
	req  contracts.PerformTaskRequest
}

type dispatchedDelivery struct {
	origin string
	req    contracts.DeliverRequest
}

type fakeDispatcher struct {
	mu         sync.Mutex
	tasks      []dispatchedTask
	deliveries []dispatchedDelivery
	taskErr    error
	deliverErr error
}

func (f *fakeDispatcher) PerformTask(ctx context.Context, host string, port int, req contracts.PerformTaskRequest) (contracts.PerformTaskResponse, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, dispatchedTask{host: host, port: port, req: req})
	f.mu.Unlock()
	if f.taskErr != nil {
		return contracts.PerformTaskResponse{}, f.taskErr
	}
	return contracts.PerformTaskResponse{Success: true, Result: "accepted"}, nil
}

func (f *fakeDispatcher) Deliver(ctx context.Context, origin string, req contracts.DeliverRequest) (contracts.DeliverResponse, error) {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, dispatchedDelivery{origin: origin, req: req})
	f.mu.Unlock()
	if f.deliverErr != nil {
		return contracts.DeliverResponse{}, f.deliverErr
	}
	return contracts.DeliverResponse{Success: true}, nil
}

func (f *fakeDispatcher) Tasks() []dispatchedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedTask(nil), f.tasks...)
}

func (f *fakeDispatcher) Deliveries() []dispatchedDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedDelivery(nil), f.deliveries...)
}
