package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/pilot/internal/assistant"
	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/tasks"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type stubGateway struct {
	text       string
	structured string
	err        error
	prompts    []models.Prompt
}

func (g *stubGateway) Generate(_ context.Context, p models.Prompt, _ ...model.Option) (string, error) {
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

func (g *stubGateway) GenerateStructured(_ context.Context, p models.Prompt, _ string, out any, _ ...model.Option) error {
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return g.err
	}
	return json.Unmarshal([]byte(g.structured), out)
}

func setup(t *testing.T, gw models.Gateway) (*Service, *tasks.SQLiteStore, *events.Bus) {
	t.Helper()
	store, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "pilot.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	cfg := config.Default().Engine
	cfg.BreakdownRetry.InitialBackoff = config.Duration(time.Millisecond)
	cfg.QueryRetry.InitialBackoff = config.Duration(time.Millisecond)

	svc := NewService(store, gw, bus, cfg).WithClock(func() time.Time { return fixedNow })
	return svc, store, bus
}

func ptr[T any](v T) *T { return &v }

func waitFor(t *testing.T, ch <-chan events.Event, typ events.EventType) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return events.Event{}
		}
	}
}

func TestCreateTask_EstimatesAndRanks(t *testing.T) {
	svc, store, _ := setup(t, &stubGateway{})
	ctx := context.Background()

	done, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Write quarterly report", EstimatedHours: ptr(6.0)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CompleteTask(ctx, "alice", done.ID, nil); err != nil {
		t.Fatal(err)
	}

	undated, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Write monthly report"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Only "write" and "report" overlap: similarity 0.5, single neighbour.
	if undated.EstimatedHours == nil || *undated.EstimatedHours != 6 {
		t.Errorf("expected predicted 6h, got %v", undated.EstimatedHours)
	}
	if undated.Priority != 1 {
		t.Errorf("sole outstanding task should get priority 1, got %d", undated.Priority)
	}

	overdue, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Pay rent", DueDate: ptr(fixedNow.Add(-24 * time.Hour)), EstimatedHours: ptr(0.25)})
	if err != nil {
		t.Fatal(err)
	}
	if overdue.Priority != 1 {
		t.Errorf("overdue task priority = %d, want 1", overdue.Priority)
	}

	got, err := store.GetTask(ctx, "alice", undated.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != 6 {
		t.Errorf("second of two tasks should get priority 6, got %d", got.Priority)
	}
	if got.Version != undated.Version {
		t.Errorf("priority rewrite bumped version: %d -> %d", undated.Version, got.Version)
	}

	list, err := svc.ListTasks(ctx, "alice", tasks.Outstanding())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != overdue.ID {
		t.Fatalf("expected overdue task first, got %+v", list)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	svc, _, _ := setup(t, &stubGateway{})
	ctx := context.Background()

	cases := []tasks.TaskInput{
		{Title: "  "},
		{Title: "x", Priority: ptr(11)},
		{Title: "x", EstimatedHours: ptr(-1.0)},
		{Title: "x", ProjectID: "proj_missing"},
	}
	for i, in := range cases {
		_, err := svc.CreateTask(ctx, "alice", in)
		if Classify(err) != ClassValidation {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestUpdateTask_Versioning(t *testing.T) {
	svc, _, _ := setup(t, &stubGateway{})
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Draft", EstimatedHours: ptr(1.0)})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := svc.UpdateTask(ctx, "alice", task.ID, tasks.TaskPatch{
		Title:           tasks.Some("Final draft"),
		ExpectedVersion: ptr(task.Version),
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Title != "Final draft" || updated.Version != task.Version+1 {
		t.Errorf("unexpected update result: %+v", updated)
	}

	_, err = svc.UpdateTask(ctx, "alice", task.ID, tasks.TaskPatch{
		Title:           tasks.Some("Stale"),
		ExpectedVersion: ptr(task.Version),
	})
	if !errors.Is(err, tasks.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	_, err = svc.UpdateTask(ctx, "alice", "task_missing", tasks.TaskPatch{Title: tasks.Some("x")})
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = svc.UpdateTask(ctx, "bob", task.ID, tasks.TaskPatch{Title: tasks.Some("x")})
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("other owner must not see the task, got %v", err)
	}
}

func TestCompleteTask_LeavesRanking(t *testing.T) {
	svc, _, bus := setup(t, &stubGateway{})
	ctx := context.Background()

	a, _ := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "A", DueDate: ptr(fixedNow.Add(48 * time.Hour)), EstimatedHours: ptr(1.0)})
	b, _ := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "B", EstimatedHours: ptr(1.0)})

	ch, unsub := bus.SubscribeChan(16, events.EventTasksRanked)
	defer unsub()

	completed, err := svc.CompleteTask(ctx, "alice", a.ID, nil)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !completed.Completed || completed.CompletedAt == nil || !completed.CompletedAt.Equal(fixedNow) {
		t.Errorf("unexpected completion state: %+v", completed)
	}
	if completed.DueDate == nil || !completed.DueDate.Equal(fixedNow.Add(48*time.Hour)) {
		t.Error("completion must not touch the due date")
	}

	e := waitFor(t, ch, events.EventTasksRanked)
	p, ok := events.GetTasksRankedPayload(e)
	if !ok || p.Trigger != TriggerComplete || p.Count != 1 || p.Order[0] != b.ID {
		t.Errorf("unexpected ranked payload: %+v", p)
	}
	if e.OwnerID != "alice" {
		t.Errorf("owner = %q", e.OwnerID)
	}

	got, _ := svc.GetTask(ctx, "alice", b.ID)
	if got.Priority != 1 {
		t.Errorf("remaining task priority = %d, want 1", got.Priority)
	}
}

func TestRecompute_Snapshot(t *testing.T) {
	svc, _, _ := setup(t, &stubGateway{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		task, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{
			Title:          fmt.Sprintf("task %d", i),
			DueDate:        ptr(fixedNow.Add(time.Duration(4-i) * 24 * time.Hour)),
			EstimatedHours: ptr(1.0),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}

	snap, err := svc.Recompute(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{ids[3], ids[2], ids[1], ids[0]}
	for i, id := range snap.IDs() {
		if id != want[i] {
			t.Fatalf("order = %v, want %v", snap.IDs(), want)
		}
	}
	// n=4: tiers 1, 3, 6, 8
	wantPriorities := []int{1, 3, 6, 8}
	for i, e := range snap.Entries {
		if e.Priority != wantPriorities[i] {
			t.Errorf("entry %d priority = %d, want %d", i, e.Priority, wantPriorities[i])
		}
	}
}

func TestRecomputeAll(t *testing.T) {
	svc, store, _ := setup(t, &stubGateway{})
	ctx := context.Background()

	for _, owner := range []string{"alice", "bob"} {
		task, err := tasks.NewTask(owner, tasks.TaskInput{Title: "x", Priority: ptr(9), EstimatedHours: ptr(1.0)}, fixedNow)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.RecomputeAll(ctx); err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}
	for _, owner := range []string{"alice", "bob"} {
		list, _ := store.ListTasks(ctx, owner, tasks.ListFilter{})
		if list[0].Priority != 1 {
			t.Errorf("%s priority = %d, want 1", owner, list[0].Priority)
		}
	}
}

func TestBreakdown_RanksAndPublishes(t *testing.T) {
	gw := &stubGateway{structured: `{"project_name": "Move", "subtasks": [
		{"title": "Book movers", "estimated_hours": 1},
		{"title": "Pack boxes", "estimated_hours": 8}
	]}`}
	svc, _, bus := setup(t, gw)
	ctx := context.Background()

	ch, unsub := bus.SubscribeChan(16, events.EventProjectDecomposed)
	defer unsub()

	res, err := svc.Breakdown(ctx, "alice", "Move to a new flat")
	if err != nil {
		t.Fatalf("Breakdown: %v", err)
	}

	e := waitFor(t, ch, events.EventProjectDecomposed)
	p, ok := events.GetProjectDecomposedPayload(e)
	if !ok || p.ProjectID != res.ProjectID || len(p.TaskIDs) != 2 {
		t.Errorf("unexpected payload: %+v", p)
	}

	list, err := svc.ListTasks(ctx, "alice", tasks.ListFilter{ProjectID: res.ProjectID})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Title != "Book movers" || list[0].Priority != 1 || list[1].Priority != 6 {
		t.Errorf("unexpected ranked subtasks: %+v %+v", list[0], list[1])
	}
}

func TestBreakdown_FailurePublishesSafeError(t *testing.T) {
	gw := &stubGateway{err: &models.UpstreamError{Kind: models.KindUnauthorized, Provider: "p", Err: errors.New("secret key sk-123 rejected")}}
	svc, _, bus := setup(t, gw)

	ch, unsub := bus.SubscribeChan(16, events.EventDecompositionFailed)
	defer unsub()

	_, err := svc.Breakdown(context.Background(), "alice", "anything")
	if Classify(err) != ClassUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	e := waitFor(t, ch, events.EventDecompositionFailed)
	if msg, _ := e.Payload["error"].(string); strings.Contains(msg, "sk-123") {
		t.Errorf("provider detail leaked: %q", msg)
	}
}

func TestQuery(t *testing.T) {
	gw := &stubGateway{text: "Nothing to do."}
	svc, _, _ := setup(t, gw)

	ans, err := svc.Query(context.Background(), "alice", "what now?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Response != "Nothing to do." {
		t.Errorf("response = %q", ans.Response)
	}
	if !strings.Contains(gw.prompts[0].User, assistant.NoTasksMarker) {
		t.Errorf("prompt missing marker: %s", gw.prompts[0].User)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{tasks.Invalid("title", "empty"), ClassValidation},
		{fmt.Errorf("task x: %w", tasks.ErrNotFound), ClassNotFound},
		{fmt.Errorf("wrap: %w", tasks.ErrConflict), ClassConflict},
		{fmt.Errorf("x: %w", models.ErrUpstreamInvalidResponse), ClassUpstreamInvalid},
		{fmt.Errorf("x: %w", models.ErrUpstreamUnavailable), ClassUpstreamUnavailable},
		{context.DeadlineExceeded, ClassDeadline},
		{context.Canceled, ClassCanceled},
		{errors.New("disk on fire"), ClassInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if SafeMessage(errors.New("disk on fire")) != "internal error" {
		t.Error("internal errors must not leak")
	}
}

// pausingStore runs afterList inside a transaction, right after the
// outstanding tasks have been read.
type pausingStore struct {
	tasks.Store
	once      sync.Once
	afterList func()
}

type pausingTx struct {
	tasks.Tx
	store *pausingStore
}

func (s *pausingStore) WithTx(ctx context.Context, fn func(tasks.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx tasks.Tx) error {
		return fn(pausingTx{Tx: tx, store: s})
	})
}

func (p pausingTx) ListTasks(ctx context.Context, owner string, filter tasks.ListFilter) ([]*tasks.Task, error) {
	list, err := p.Tx.ListTasks(ctx, owner, filter)
	if err == nil && p.store.afterList != nil {
		p.store.once.Do(p.store.afterList)
	}
	return list, err
}

func TestRecompute_SerializedAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.db")
	open := func() *tasks.SQLiteStore {
		s, err := tasks.OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	cfg := config.Default().Engine
	clock := func() time.Time { return fixedNow }

	paused := &pausingStore{Store: open()}
	first := NewService(paused, &stubGateway{}, nil, cfg).WithClock(clock)
	second := NewService(open(), &stubGateway{}, nil, cfg).WithClock(clock)
	ctx := context.Background()

	if _, err := second.CreateTask(ctx, "alice", tasks.TaskInput{Title: "one", DueDate: ptr(fixedNow.Add(24 * time.Hour)), EstimatedHours: ptr(1.0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := second.CreateTask(ctx, "alice", tasks.TaskInput{Title: "two", DueDate: ptr(fixedNow.Add(5 * 24 * time.Hour)), EstimatedHours: ptr(1.0)}); err != nil {
		t.Fatal(err)
	}

	// A concurrent writer in another process shows up between the read and
	// the priority rewrite of the first recompute.
	created := make(chan error, 1)
	paused.afterList = func() {
		go func() {
			_, err := second.CreateTask(ctx, "alice", tasks.TaskInput{Title: "overdue", DueDate: ptr(fixedNow.Add(-24 * time.Hour)), EstimatedHours: ptr(1.0)})
			created <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := first.Recompute(ctx, "alice"); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if err := <-created; err != nil {
		t.Fatalf("concurrent CreateTask: %v", err)
	}

	list, err := second.ListTasks(ctx, "alice", tasks.Outstanding())
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		title    string
		priority int
	}{{"overdue", 1}, {"one", 4}, {"two", 7}}
	if len(list) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(list), len(want))
	}
	for i, w := range want {
		if list[i].Title != w.title || list[i].Priority != w.priority {
			t.Errorf("position %d = %s priority %d, want %s priority %d", i, list[i].Title, list[i].Priority, w.title, w.priority)
		}
	}
}

// failingRankStore fails every priority rewrite.
type failingRankStore struct {
	tasks.Store
}

type failingRankTx struct {
	tasks.Tx
}

func (s failingRankStore) WithTx(ctx context.Context, fn func(tasks.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx tasks.Tx) error {
		return fn(failingRankTx{Tx: tx})
	})
}

func (failingRankTx) SetPriority(context.Context, string, string, int) error {
	return errors.New("disk full")
}

func TestCreateTask_RankFailureRollsBack(t *testing.T) {
	_, store, _ := setup(t, &stubGateway{})
	svc := NewService(failingRankStore{Store: store}, &stubGateway{}, nil, config.Default().Engine).
		WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	if _, err := svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Pay rent", EstimatedHours: ptr(1.0)}); err == nil {
		t.Fatal("expected error when priorities cannot be written")
	}
	list, err := store.ListTasks(ctx, "alice", tasks.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("task persisted despite failed re-rank: %+v", list)
	}
}
