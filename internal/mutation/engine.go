// Package mutation applies optimistic writes to the query cache and reconciles
// them with the server's answer.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/metrics"
	"github.com/jemzy/jemzy-views/internal/query"
	"github.com/jemzy/jemzy-views/internal/signals"
	"github.com/jemzy/jemzy-views/internal/store"
	"github.com/looplab/fsm"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

// Machine states.
const (
	StateIdle       = "idle"
	StateOptimistic = "optimistic"
	StateSettling   = "settling"
	StateDone       = "done"
)

const defaultLockAttempts = 200

const (
	eventPatch    = "patch"
	eventDispatch = "dispatch"
	eventSettle   = "settle"
)

// Result is how a mutation ended.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultRejected  Result = "rejected"
)

var (
	// ErrMutationFailed wraps every dispatch failure; the jemzyapi.RequestError
	// underneath stays reachable through errors.As.
	ErrMutationFailed = errors.New("mutation: failed")
	// ErrMutationInFlight is returned when another mutation for the same user and
	// target is still settling.
	ErrMutationInFlight = errors.New("mutation: another mutation for this target is in flight")
	errMissingCache     = errors.New("mutation: cache is required")
	errMissingKey       = errors.New("mutation: query key is required")
	errMissingDispatch  = errors.New("mutation: dispatch is required")
	noOpLogger          = zap.NewNop()
)

// Log records settled mutations. *store.Service satisfies it.
type Log interface {
	AppendMutation(ctx context.Context, record store.MutationRecord) error
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Cache   *query.Cache
	Signals signals.Publisher
	Log     Log
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
	IDs     IDProvider
	// SerializePerTarget rejects a mutation while another one for the same user
	// and target is settling. When false the last response wins.
	SerializePerTarget bool
	// LockAttempts bounds how often a serialized mutation retries the target
	// lock before giving up. Defaults to 200, a few seconds of backoff.
	LockAttempts int
}

// Engine runs mutations against one cache.
type Engine struct {
	cache     *query.Cache
	publisher signals.Publisher
	log       Log
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
	ids       IDProvider
	targets   *mapmutex.Mutex
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	engine := &Engine{
		cache:     cfg.Cache,
		publisher: cfg.Signals,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     clock,
		ids:       ids,
	}
	if cfg.SerializePerTarget {
		attempts := cfg.LockAttempts
		if attempts <= 0 {
			attempts = defaultLockAttempts
		}
		// delays in nanoseconds: 10ns base, 1.1 growth, capped at 100ms, 20% jitter
		engine.targets = mapmutex.NewCustomizedMapMutex(attempts, 100000000, 10, 1.1, 0.2)
	}
	return engine, nil
}

// Mutation describes one optimistic change to the value cached under Key.
type Mutation[T any] struct {
	UserID string
	Key    query.Key
	Intent collections.Intent
	// Patch predicts the value after the server accepts the intent. It must not
	// modify its input.
	Patch func(T, collections.Intent) T
	// Precondition, when set, inspects the current value. An error rejects the
	// mutation before anything is written or dispatched.
	Precondition func(T) error
	// Dispatch sends the intent to the server.
	Dispatch func(ctx context.Context) error
	// Refetch, when set, becomes the entry's fetcher before the key is
	// invalidated, so the refetch runs with this mutation's credentials.
	Refetch        query.Fetcher[T]
	SuccessMessage string
	FailureMessage string
}

// Outcome reports a settled mutation.
type Outcome[T any] struct {
	MutationID string
	State      string
	Result     Result
	// Value is the cached value right after settlement, before any refetch lands.
	Value    T
	HasValue bool
}

type run[T any] struct {
	engine   *Engine
	mutation Mutation[T]
	snapshot T
	// restorable is false when nothing was cached before the patch.
	restorable  bool
	dispatchErr error
	settled     T
	hasSettled  bool
}

// Execute applies the optimistic patch, dispatches the intent and reconciles.
// The dispatch runs detached from ctx cancellation so a caller that goes away
// still gets a consistent cache.
func Execute[T any](ctx context.Context, engine *Engine, m Mutation[T]) (Outcome[T], error) {
	var outcome Outcome[T]
	if engine == nil || engine.cache == nil {
		return outcome, errMissingCache
	}
	if m.Key.IsZero() {
		return outcome, errMissingKey
	}
	if m.Dispatch == nil {
		return outcome, errMissingDispatch
	}

	if engine.targets != nil {
		lockKey := m.UserID + "\x00" + m.Intent.TargetID
		if !engine.targets.TryLock(lockKey) {
			return outcome, ErrMutationInFlight
		}
		defer engine.targets.Unlock(lockKey)
	}

	mutationID, err := engine.ids.NewID()
	if err != nil {
		return outcome, fmt.Errorf("mutation: issue id: %w", err)
	}
	outcome.MutationID = mutationID
	outcome.State = StateIdle
	startedAt := engine.clock()
	logger := engine.logger.With(
		zap.String("mutation_id", mutationID),
		zap.String("key", m.Key.String()),
		zap.String("action", m.Intent.Label()),
		zap.String("target_id", m.Intent.TargetID),
	)

	current, found := query.Peek[T](engine.cache, m.Key)
	if m.Precondition != nil && found {
		if err := m.Precondition(current); err != nil {
			logger.Info("mutation rejected", zap.Error(err))
			outcome.Result = ResultRejected
			outcome.Value = current
			outcome.HasValue = true
			engine.record(ctx, m, mutationID, ResultRejected, nil, startedAt)
			return outcome, err
		}
	}

	r := &run[T]{engine: engine, mutation: m}
	if found {
		if err := deepcopy.Copy(&r.snapshot, &current); err != nil {
			return outcome, fmt.Errorf("mutation: snapshot: %w", err)
		}
		r.restorable = true
	}

	machine := fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventPatch, Src: []string{StateIdle}, Dst: StateOptimistic},
			{Name: eventDispatch, Src: []string{StateOptimistic}, Dst: StateSettling},
			{Name: eventSettle, Src: []string{StateSettling}, Dst: StateDone},
		},
		fsm.Callbacks{
			"enter_" + StateOptimistic: func(_ context.Context, _ *fsm.Event) {
				r.applyPatch(current)
			},
			"enter_" + StateDone: func(_ context.Context, _ *fsm.Event) {
				r.settle()
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("mutation transition", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)

	detached := context.WithoutCancel(ctx)
	if err := machine.Event(detached, eventPatch); err != nil {
		return outcome, fmt.Errorf("mutation: %s: %w", eventPatch, err)
	}
	if err := machine.Event(detached, eventDispatch); err != nil {
		return outcome, fmt.Errorf("mutation: %s: %w", eventDispatch, err)
	}
	r.dispatchErr = m.Dispatch(detached)
	if err := machine.Event(detached, eventSettle); err != nil {
		return outcome, fmt.Errorf("mutation: %s: %w", eventSettle, err)
	}

	outcome.State = machine.Current()
	outcome.Value, outcome.HasValue = r.settled, r.hasSettled
	elapsed := engine.clock().Sub(startedAt)

	if r.dispatchErr != nil {
		outcome.Result = ResultFailed
		engine.metrics.ObserveMutation(string(m.Intent.Action), string(ResultFailed), elapsed)
		engine.record(detached, m, mutationID, ResultFailed, r.dispatchErr, startedAt)
		logger.Warn("mutation failed",
			zap.String("kind", string(jemzyapi.KindOf(r.dispatchErr))),
			zap.Error(r.dispatchErr))
		return outcome, fmt.Errorf("%w: %w", ErrMutationFailed, r.dispatchErr)
	}

	outcome.Result = ResultSucceeded
	engine.metrics.ObserveMutation(string(m.Intent.Action), string(ResultSucceeded), elapsed)
	engine.record(detached, m, mutationID, ResultSucceeded, nil, startedAt)
	logger.Info("mutation settled", zap.Duration("elapsed", elapsed))
	return outcome, nil
}

func (r *run[T]) applyPatch(current T) {
	if !r.restorable || r.mutation.Patch == nil {
		return
	}
	query.Write(r.engine.cache, r.mutation.Key, r.mutation.Patch(current, r.mutation.Intent))
}

func (r *run[T]) settle() {
	m := r.mutation
	if r.dispatchErr != nil {
		if r.restorable {
			query.Write(r.engine.cache, m.Key, r.snapshot)
		}
		r.engine.signal(m.UserID, signals.LevelError, m.FailureMessage, m.Intent)
	} else {
		r.engine.signal(m.UserID, signals.LevelSuccess, m.SuccessMessage, m.Intent)
	}
	r.settled, r.hasSettled = query.Peek[T](r.engine.cache, m.Key)
	if m.Refetch != nil {
		query.Rebind(r.engine.cache, query.Query[T]{Key: m.Key, Fetch: m.Refetch})
	}
	r.engine.cache.Invalidate(m.Key)
}

func (e *Engine) signal(userID string, level signals.Level, message string, intent collections.Intent) {
	if e.publisher == nil || message == "" {
		return
	}
	signalID, err := e.ids.NewID()
	if err != nil {
		e.logger.Warn("signal id unavailable", zap.Error(err))
	}
	e.publisher.Publish(signals.Signal{
		ID:       signalID,
		UserID:   userID,
		Level:    level,
		Message:  message,
		Action:   string(intent.Action),
		TargetID: intent.TargetID,
		At:       e.clock().UTC(),
	})
}

func (e *Engine) record(ctx context.Context, m mutationHeader, mutationID string, result Result, cause error, startedAt time.Time) {
	if e.log == nil {
		return
	}
	record := store.MutationRecord{
		MutationID:      mutationID,
		UserID:          m.userID(),
		QueryKey:        m.key().String(),
		TargetID:        m.intent().TargetID,
		Action:          string(m.intent().Action),
		Outcome:         store.Outcome(result),
		StartedAtMillis: startedAt.UnixMilli(),
		SettledAtMillis: e.clock().UnixMilli(),
	}
	if cause != nil {
		kind := jemzyapi.KindOf(cause)
		if kind == "" {
			kind = jemzyapi.KindTransport
		}
		record.FailureKind = string(kind)
		record.StatusCode = jemzyapi.StatusCodeOf(cause)
	}
	if err := e.log.AppendMutation(ctx, record); err != nil {
		e.logger.Warn("mutation log append failed",
			zap.String("mutation_id", mutationID),
			zap.Error(err))
	}
}

// mutationHeader exposes the type-independent fields of a Mutation.
type mutationHeader interface {
	userID() string
	key() query.Key
	intent() collections.Intent
}

func (m Mutation[T]) userID() string             { return m.UserID }
func (m Mutation[T]) key() query.Key             { return m.Key }
func (m Mutation[T]) intent() collections.Intent { return m.Intent }
