package estimate

import (
	"math"
	"math/rand"
	"testing"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/tasks"
)

func done(id, title string, hours float64) *tasks.Task {
	return &tasks.Task{ID: id, Title: title, EstimatedHours: &hours, Completed: true}
}

func TestTokens(t *testing.T) {
	got := Tokens("Write the Q3 report, and (review) it! a")
	for _, w := range []string{"write", "q3", "report", "review"} {
		if _, ok := got[w]; !ok {
			t.Errorf("expected token %q in %v", w, got)
		}
	}
	for _, w := range []string{"the", "and", "it", "a"} {
		if _, ok := got[w]; ok {
			t.Errorf("unexpected token %q", w)
		}
	}
}

func TestSimilarity(t *testing.T) {
	a := Tokens("write report draft")
	b := Tokens("review report draft")
	// {report, draft} / {write, review, report, draft}
	if got := Similarity(a, b); got != 0.5 {
		t.Fatalf("got %v, want 0.5", got)
	}
	if got := Similarity(a, Tokens("")); got != 0 {
		t.Fatalf("empty set similarity should be 0, got %v", got)
	}
	if got := Similarity(a, a); got != 1 {
		t.Fatalf("self similarity should be 1, got %v", got)
	}
}

func TestPredict_NoHistoryUsesDefault(t *testing.T) {
	m := New(config.EngineConfig{DefaultEstimateHours: 3})
	if got := m.Predict("Plan sprint", "", nil); got != 3 {
		t.Fatalf("got %v, want 3", got)
	}
	if got := (Model{}).Predict("Plan sprint", "", nil); got != 2 {
		t.Fatalf("zero model should default to 2h, got %v", got)
	}
}

func TestPredict_NoOverlapUsesDefault(t *testing.T) {
	m := Model{DefaultHours: 2}
	history := []*tasks.Task{done("h1", "Paint fence", 6)}
	p := m.Explain("Write report", "", history)
	if !p.Fallback || p.Hours != 2 {
		t.Fatalf("expected fallback 2h, got %+v", p)
	}
}

func TestPredict_WeightedMean(t *testing.T) {
	m := Model{DefaultHours: 2, TopK: 5}
	history := []*tasks.Task{
		done("h1", "write report draft", 4), // sim 1
		done("h2", "write report", 1),       // sim 2/3
		done("h3", "bake bread", 10),        // sim 0, ignored
	}
	// (1*4 + 2/3*1) / (1 + 2/3) = 2.8 -> 2.75
	if got := m.Predict("write report draft", "", history); got != 2.75 {
		t.Fatalf("got %v, want 2.75", got)
	}
}

func TestPredict_IgnoresZeroAndMissingHours(t *testing.T) {
	zero := 0.0
	history := []*tasks.Task{
		{ID: "h1", Title: "deploy website", EstimatedHours: &zero},
		{ID: "h2", Title: "deploy website"},
		done("h3", "deploy website", 3),
	}
	if got := (Model{}).Predict("deploy website", "", history); got != 3 {
		t.Fatalf("got %v, want 3", got)
	}
}

func TestPredict_TopK(t *testing.T) {
	history := []*tasks.Task{
		done("a", "fix login bug", 1),
		done("b", "fix login bug", 1),
		done("c", "fix bug", 9), // lower similarity, excluded at K=2
	}
	if got := (Model{TopK: 2}).Predict("fix login bug", "", history); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
}

func TestPredict_OrderIndependent(t *testing.T) {
	history := []*tasks.Task{
		done("a", "write api docs", 3),
		done("b", "write api tests", 5),
		done("c", "review api docs", 2),
		done("d", "write blog post", 1.5),
		done("e", "api design review", 4),
		done("f", "write api client", 6),
		done("g", "document api", 2.5),
	}
	m := Model{TopK: 3}
	want := m.Predict("write api docs", "", history)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 30; i++ {
		shuffled := append([]*tasks.Task(nil), history...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := m.Predict("write api docs", "", shuffled); got != want {
			t.Fatalf("permutation %d: got %v, want %v", i, got, want)
		}
	}
}

func TestPredict_RoundingFloor(t *testing.T) {
	history := []*tasks.Task{done("a", "tiny fix", 0.05)}
	got := (Model{}).Predict("tiny fix", "", history)
	if got != 0.25 {
		t.Fatalf("expected minimum 0.25h, got %v", got)
	}
	if math.Mod(got, 0.25) != 0 {
		t.Fatalf("expected quarter-hour granularity, got %v", got)
	}
}
