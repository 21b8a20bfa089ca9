// Package estimate predicts the effort of a task from completed-task history
// using keyword overlap with similar past tasks.
package estimate

import (
	"math"
	"sort"
	"strings"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/tasks"
)

const (
	defaultHours = 2.0
	defaultTopK  = 5
	granularity  = 0.25 // hours
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "to": {}, "of": {}, "in": {}, "on": {},
	"an": {}, "at": {}, "by": {}, "or": {}, "is": {}, "be": {}, "it": {}, "my": {},
	"our": {}, "up": {}, "as": {}, "from": {}, "into": {}, "this": {}, "that": {},
}

// Model is a similarity-weighted nearest-neighbour estimator.
type Model struct {
	DefaultHours float64
	TopK         int
}

// New builds a Model from the engine config.
func New(cfg config.EngineConfig) Model {
	return Model{DefaultHours: cfg.DefaultEstimateHours, TopK: cfg.SimilarityTopK}
}

// Neighbor is a history task that contributed to a prediction.
type Neighbor struct {
	TaskID     string
	Similarity float64
	Hours      float64
}

// Prediction explains an estimate.
type Prediction struct {
	Hours     float64
	Neighbors []Neighbor
	Fallback  bool // no similar history, DefaultHours used
}

// Predict returns the estimated hours for a task with the given text.
// The result does not depend on the order of history.
func (m Model) Predict(title, description string, history []*tasks.Task) float64 {
	return m.Explain(title, description, history).Hours
}

// Explain is Predict with the neighbours that produced the estimate.
func (m Model) Explain(title, description string, history []*tasks.Task) Prediction {
	fallback := Prediction{Hours: m.defaultHours(), Fallback: true}

	query := Tokens(title + " " + description)
	if len(query) == 0 {
		return fallback
	}

	var candidates []Neighbor
	for _, h := range history {
		if h == nil || h.EstimatedHours == nil {
			continue
		}
		hours := *h.EstimatedHours
		if !(hours > 0) || math.IsInf(hours, 0) {
			continue
		}
		sim := Similarity(query, Tokens(h.Title+" "+h.Description))
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, Neighbor{TaskID: h.ID, Similarity: sim, Hours: hours})
	}
	if len(candidates) == 0 {
		return fallback
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})
	if k := m.topK(); len(candidates) > k {
		candidates = candidates[:k]
	}

	var weighted, total float64
	for _, c := range candidates {
		weighted += c.Similarity * c.Hours
		total += c.Similarity
	}

	return Prediction{Hours: roundHours(weighted / total), Neighbors: candidates}
}

func (m Model) defaultHours() float64 {
	if m.DefaultHours > 0 {
		return m.DefaultHours
	}
	return defaultHours
}

func (m Model) topK() int {
	if m.TopK > 0 {
		return m.TopK
	}
	return defaultTopK
}

// Tokens returns the set of lowercase, punctuation-trimmed words longer than
// one character, minus stop words.
func Tokens(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]{}<>-_/*#`")
		if len(w) <= 1 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// Similarity is the Jaccard index |A∩B| / |A∪B| of two token sets.
func Similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func roundHours(h float64) float64 {
	r := math.Round(h/granularity) * granularity
	if r < granularity {
		return granularity
	}
	return r
}
