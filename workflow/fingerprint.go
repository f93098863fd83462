package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// canonicalTask is the stable serialization of one task used for
// fingerprinting. Field order and sorting are fixed so the hash is
// independent of declaration order.
type canonicalTask struct {
	ID           string        `json:"id"`
	Dependencies []string      `json:"dependencies"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      string        `json:"backoff"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Condition    string        `json:"condition"`
	Jitter       bool          `json:"jitter"`
	Triggers     []TriggerRule `json:"triggers"`
}

// Fingerprint computes the deterministic SHA-256 over canonicalized
// task metadata. The result depends only on task ids, sorted
// dependency sets, retry policy fields, and trigger rules.
func (w *Workflow) Fingerprint() string {
	canonical := make([]canonicalTask, 0, len(w.Tasks))
	for _, id := range w.TaskIDs() {
		t := w.Tasks[id]

		deps := make([]string, len(t.Dependencies))
		copy(deps, t.Dependencies)
		sort.Strings(deps)

		triggers := make([]TriggerRule, len(t.TriggerRules))
		copy(triggers, t.TriggerRules)
		sort.Slice(triggers, func(i, j int) bool { return triggers[i].Name < triggers[j].Name })

		canonical = append(canonical, canonicalTask{
			ID:           t.ID,
			Dependencies: deps,
			MaxAttempts:  t.RetryPolicy.MaxAttempts,
			Backoff:      string(t.RetryPolicy.Backoff),
			InitialDelay: t.RetryPolicy.InitialDelay,
			MaxDelay:     t.RetryPolicy.MaxDelay,
			Multiplier:   t.RetryPolicy.Multiplier,
			Condition:    string(t.RetryPolicy.Condition),
			Jitter:       t.RetryPolicy.Jitter,
			Triggers:     triggers,
		})
	}

	// json.Marshal of a slice of structs is deterministic given the
	// fixed field order above.
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonicalTask contains only marshal-safe fields.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
