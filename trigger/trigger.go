// Package trigger fires pipelines when predicates over committed
// context state become true. Predicates are CEL expressions; evaluation
// reads only committed state, never context writes from in-flight
// tasks.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
)

// PipelineCreator starts a pipeline for a workflow with an input
// context.
type PipelineCreator interface {
	CreatePipeline(ctx context.Context, workflowName string, input *task.Context) (uuid.UUID, error)
}

// Rule is one condition-based activation: when Expression evaluates to
// true against the latest committed final context of WatchWorkflow, a
// WorkflowName pipeline starts with that context as input.
type Rule struct {
	Name          string
	WorkflowName  string
	WatchWorkflow string
	Expression    string
}

// Config tunes the trigger scheduler.
type Config struct {
	// BasePollInterval is the poll cadence after an activation.
	BasePollInterval time.Duration
	// MaxPollInterval caps the idle backoff.
	MaxPollInterval time.Duration
	// PollTimeout bounds a single evaluation pass.
	PollTimeout time.Duration
}

type compiledRule struct {
	rule    Rule
	program cel.Program
	// lastResult makes firing edge-triggered: a rule fires when its
	// predicate transitions false -> true.
	lastResult bool
}

// Scheduler evaluates trigger rules on an adaptive poll loop: the
// interval doubles while idle and resets to base on activation.
type Scheduler struct {
	store   *store.Store
	creator PipelineCreator
	cfg     Config
	env     *cel.Env

	mu    sync.Mutex
	rules []*compiledRule
}

// New creates a trigger scheduler.
func New(st *store.Store, creator PipelineCreator, cfg Config) (*Scheduler, error) {
	if cfg.BasePollInterval <= 0 {
		cfg.BasePollInterval = time.Second
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}

	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build trigger environment")
	}
	return &Scheduler{store: st, creator: creator, cfg: cfg, env: env}, nil
}

// AddRule compiles and installs a rule.
func (s *Scheduler) AddRule(rule Rule) error {
	if rule.Name == "" || rule.WorkflowName == "" || rule.Expression == "" {
		return errors.New("trigger rule requires name, workflow, and expression")
	}
	ast, iss := s.env.Compile(rule.Expression)
	if iss != nil && iss.Err() != nil {
		return errors.Wrapf(iss.Err(), "invalid trigger expression %q", rule.Expression)
	}
	program, err := s.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return errors.Wrap(err, "failed to build trigger program")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, &compiledRule{rule: rule, program: program})
	return nil
}

// Run polls with adaptive backoff until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.BasePollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		fired, err := s.Evaluate(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("trigger evaluation failed", "error", err)
		}

		if fired {
			interval = s.cfg.BasePollInterval
		} else {
			interval *= 2
			if interval > s.cfg.MaxPollInterval {
				interval = s.cfg.MaxPollInterval
			}
		}
		timer.Reset(interval)
	}
}

// Evaluate runs every rule once and reports whether any fired.
func (s *Scheduler) Evaluate(ctx context.Context) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	s.mu.Lock()
	rules := make([]*compiledRule, len(s.rules))
	copy(rules, s.rules)
	s.mu.Unlock()

	fired := false
	for _, cr := range rules {
		ok, err := s.evaluateRule(evalCtx, cr)
		if err != nil {
			slog.Error("trigger rule evaluation failed", "rule", cr.rule.Name, "error", err)
			continue
		}
		if ok {
			fired = true
		}
	}
	return fired, nil
}

func (s *Scheduler) evaluateRule(ctx context.Context, cr *compiledRule) (bool, error) {
	watched, err := s.latestCommittedContext(ctx, cr.rule.WatchWorkflow)
	if err != nil {
		return false, err
	}

	out, _, err := cr.program.ContextEval(ctx, map[string]any{
		"context": watched.AsMap(),
		"now":     time.Now().UTC(),
	})
	if err != nil {
		return false, errors.Wrapf(err, "rule %s", cr.rule.Name)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("rule %s did not evaluate to a boolean", cr.rule.Name)
	}

	active := result && !cr.lastResult
	cr.lastResult = result
	if !active {
		return false, nil
	}

	pipelineID, err := s.creator.CreatePipeline(ctx, cr.rule.WorkflowName, watched.Clone())
	if err != nil {
		return false, errors.Wrapf(err, "failed to fire trigger %s", cr.rule.Name)
	}
	slog.Info("trigger fired", "rule", cr.rule.Name, "workflow", cr.rule.WorkflowName, "pipeline", pipelineID)
	return true, nil
}

// latestCommittedContext loads the final context of the most recent
// Completed execution of the watched workflow, or an empty context.
func (s *Scheduler) latestCommittedContext(ctx context.Context, watchWorkflow string) (*task.Context, error) {
	if watchWorkflow == "" {
		return task.NewContext(), nil
	}
	completed := store.PipelineCompleted
	pipelines, err := s.store.ListPipelineExecutions(ctx, &store.FindPipelineExecution{
		WorkflowName: &watchWorkflow,
		Status:       &completed,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(pipelines) == 0 || pipelines[0].FinalContextID == nil {
		return task.NewContext(), nil
	}
	data, err := s.store.GetContext(ctx, *pipelines[0].FinalContextID)
	if err != nil {
		return nil, err
	}
	return task.ContextFromJSON(data)
}
