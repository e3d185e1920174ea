package mutation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/query"
	"github.com/jemzy/jemzy-views/internal/signals"
	"github.com/jemzy/jemzy-views/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu       sync.Mutex
	received []signals.Signal
}

func (p *recordingPublisher) Publish(signal signals.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, signal)
}

func (p *recordingPublisher) all() []signals.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signals.Signal(nil), p.received...)
}

type recordingLog struct {
	mu      sync.Mutex
	records []store.MutationRecord
	err     error
}

func (l *recordingLog) AppendMutation(_ context.Context, record store.MutationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return l.err
}

func (l *recordingLog) all() []store.MutationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.MutationRecord(nil), l.records...)
}

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.next.Add(1)), nil
}

// upstream stands in for the server's authoritative list.
type upstream struct {
	mu      sync.Mutex
	records []collections.Record
	fetches atomic.Int64
}

func (u *upstream) set(records []collections.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = records
}

func (u *upstream) fetch(context.Context) ([]collections.Record, error) {
	u.fetches.Add(1)
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]collections.Record(nil), u.records...), nil
}

type harness struct {
	cache     *query.Cache
	engine    *Engine
	publisher *recordingPublisher
	log       *recordingLog
	server    *upstream
	key       query.Key
}

func newHarness(testContext *testing.T, initial []collections.Record, serialize bool, logger *zap.Logger) *harness {
	testContext.Helper()
	cache, err := query.NewCache(query.CacheConfig{})
	if err != nil {
		testContext.Fatalf("failed to create cache: %v", err)
	}
	testContext.Cleanup(func() { _ = cache.Close() })

	h := &harness{
		cache:     cache,
		publisher: &recordingPublisher{},
		log:       &recordingLog{},
		server:    &upstream{records: initial},
		key:       query.NewKey("users", "owner-1", "collecting"),
	}
	h.engine, err = NewEngine(EngineConfig{
		Cache:              cache,
		Signals:            h.publisher,
		Log:                h.log,
		Logger:             logger,
		IDs:                &sequenceIDs{},
		SerializePerTarget: serialize,
		LockAttempts:       1,
	})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}

	query.Read(cache, h.query())
	h.waitIdle(testContext)
	if got := h.value(testContext); !reflect.DeepEqual(got, initial) {
		testContext.Fatalf("expected initial load %#v, got %#v", initial, got)
	}
	return h
}

func (h *harness) query() query.Query[[]collections.Record] {
	return query.Query[[]collections.Record]{Key: h.key, Fetch: h.server.fetch}
}

func (h *harness) waitIdle(testContext *testing.T) {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.cache.WaitIdle(ctx); err != nil {
		testContext.Fatalf("cache did not settle: %v", err)
	}
}

func (h *harness) value(testContext *testing.T) []collections.Record {
	testContext.Helper()
	value, ok := query.Peek[[]collections.Record](h.cache, h.key)
	if !ok {
		testContext.Fatalf("expected cached value for %s", h.key)
	}
	return value
}

func (h *harness) mutation(intent collections.Intent, dispatch func(context.Context) error) Mutation[[]collections.Record] {
	return Mutation[[]collections.Record]{
		UserID:         "owner-1",
		Key:            h.key,
		Intent:         intent,
		Patch:          collections.PatchCollecting,
		Dispatch:       dispatch,
		SuccessMessage: "User uncollected",
		FailureMessage: "Failed to uncollect user",
	}
}

func boolPointer(value bool) *bool {
	return &value
}

func sampleCollecting() []collections.Record {
	return []collections.Record{
		{ID: "u1", Username: "ana", IsCollecting: true, NotificationsEnabled: boolPointer(true)},
		{ID: "u2", Username: "ben", IsCollecting: true, NotificationsEnabled: boolPointer(false)},
	}
}

func TestExecuteUncollectSuccess(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}

	var duringDispatch []collections.Record
	outcome, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
		duringDispatch = h.value(testContext)
		h.server.set(sampleCollecting()[1:])
		return nil
	}))
	if err != nil {
		testContext.Fatalf("expected success, got %v", err)
	}
	if len(duringDispatch) != 1 || duringDispatch[0].ID != "u2" {
		testContext.Fatalf("expected optimistic removal while in flight, got %#v", duringDispatch)
	}
	if outcome.State != StateDone || outcome.Result != ResultSucceeded {
		testContext.Fatalf("unexpected outcome %#v", outcome)
	}
	if outcome.MutationID == "" {
		testContext.Fatalf("expected mutation id")
	}

	published := h.publisher.all()
	if len(published) != 1 || published[0].Level != signals.LevelSuccess || published[0].TargetID != "u1" {
		testContext.Fatalf("expected one success signal, got %#v", published)
	}

	h.waitIdle(testContext)
	if h.server.fetches.Load() != 2 {
		testContext.Fatalf("expected a refetch after settlement, got %d fetches", h.server.fetches.Load())
	}
	if got := h.value(testContext); len(got) != 1 || got[0].ID != "u2" {
		testContext.Fatalf("expected refetched server list, got %#v", got)
	}

	records := h.log.all()
	if len(records) != 1 || records[0].Outcome != store.OutcomeSucceeded || records[0].Action != "uncollect" {
		testContext.Fatalf("unexpected mutation log %#v", records)
	}
}

func TestExecuteUncollectFailureRestoresSnapshot(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	before := h.value(testContext)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}
	failure := &jemzyapi.RequestError{Op: "jemzyapi.uncollect_user", Kind: jemzyapi.KindStatus, StatusCode: 500, Err: errors.New("boom")}

	outcome, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
		return failure
	}))
	if !errors.Is(err, ErrMutationFailed) {
		testContext.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	var requestErr *jemzyapi.RequestError
	if !errors.As(err, &requestErr) || requestErr.StatusCode != 500 {
		testContext.Fatalf("expected request error to stay reachable, got %v", err)
	}
	if outcome.Result != ResultFailed || outcome.State != StateDone {
		testContext.Fatalf("unexpected outcome %#v", outcome)
	}
	if !reflect.DeepEqual(outcome.Value, before) {
		testContext.Fatalf("expected rollback to %#v, got %#v", before, outcome.Value)
	}

	published := h.publisher.all()
	if len(published) != 1 || published[0].Level != signals.LevelError || published[0].Message != "Failed to uncollect user" {
		testContext.Fatalf("expected one error signal, got %#v", published)
	}

	h.waitIdle(testContext)
	if h.server.fetches.Load() != 2 {
		testContext.Fatalf("expected a refetch after failure, got %d fetches", h.server.fetches.Load())
	}
	if got := h.value(testContext); !reflect.DeepEqual(got, before) {
		testContext.Fatalf("expected server list after refetch, got %#v", got)
	}

	records := h.log.all()
	if len(records) != 1 || records[0].FailureKind != "status" || records[0].StatusCode != 500 {
		testContext.Fatalf("unexpected mutation log %#v", records)
	}
}

func TestExecuteRefetchRunsWithMutationFetcher(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}
	ownFetches := atomic.Int64{}

	m := h.mutation(intent, func(context.Context) error {
		h.server.set(sampleCollecting()[1:])
		return nil
	})
	m.Refetch = func(ctx context.Context) ([]collections.Record, error) {
		ownFetches.Add(1)
		return h.server.fetch(ctx)
	}
	if _, err := Execute(context.Background(), h.engine, m); err != nil {
		testContext.Fatalf("expected success, got %v", err)
	}

	h.waitIdle(testContext)
	if ownFetches.Load() != 1 {
		testContext.Fatalf("expected the refetch to use the mutation fetcher, got %d calls", ownFetches.Load())
	}
	if got := h.value(testContext); len(got) != 1 || got[0].ID != "u2" {
		testContext.Fatalf("expected refetched server list, got %#v", got)
	}
}

func TestExecuteRecordsTransportKindForUntypedFailure(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}

	_, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
		return errors.New("connection reset")
	}))
	if !errors.Is(err, ErrMutationFailed) {
		testContext.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	records := h.log.all()
	if len(records) != 1 || records[0].FailureKind != string(jemzyapi.KindTransport) || records[0].StatusCode != 0 {
		testContext.Fatalf("expected transport failure record, got %#v", records)
	}
}

func TestExecuteRollbackIsIndependentOfPatchedValue(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), false, nil)
	before := sampleCollecting()
	intent := collections.Intent{TargetID: "u2", Action: collections.ActionSetNotification, Enabled: true}

	// A patch that mutates shared pointers must not leak into the snapshot.
	m := h.mutation(intent, func(context.Context) error {
		return &jemzyapi.RequestError{Kind: jemzyapi.KindTransport, Err: errors.New("connection refused")}
	})
	m.Patch = func(records []collections.Record, intent collections.Intent) []collections.Record {
		*records[1].NotificationsEnabled = intent.Enabled
		return records
	}

	outcome, err := Execute(context.Background(), h.engine, m)
	if !errors.Is(err, ErrMutationFailed) {
		testContext.Fatalf("expected failure, got %v", err)
	}
	if !reflect.DeepEqual(outcome.Value, before) {
		testContext.Fatalf("expected deep-equal rollback, got %#v", outcome.Value)
	}
}

func TestExecuteNotificationToggle(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "u2", Action: collections.ActionSetNotification, Enabled: true}
	m := h.mutation(intent, func(context.Context) error {
		updated := sampleCollecting()
		updated[1].NotificationsEnabled = boolPointer(true)
		h.server.set(updated)
		return nil
	})
	m.Precondition = func(records []collections.Record) error {
		if !collections.CanSetNotification(records, intent.TargetID) {
			return collections.ErrNotCollecting
		}
		return nil
	}

	outcome, err := Execute(context.Background(), h.engine, m)
	if err != nil {
		testContext.Fatalf("expected success, got %v", err)
	}
	if enabled := outcome.Value[1].NotificationsEnabled; enabled == nil || !*enabled {
		testContext.Fatalf("expected notifications enabled, got %#v", outcome.Value[1])
	}
	h.waitIdle(testContext)
	if got := h.value(testContext); got[1].NotificationsEnabled == nil || !*got[1].NotificationsEnabled {
		testContext.Fatalf("expected server to confirm toggle, got %#v", got)
	}
}

func TestExecutePreconditionRejectsWithoutDispatch(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "missing", Action: collections.ActionSetNotification, Enabled: true}
	dispatched := false
	m := h.mutation(intent, func(context.Context) error {
		dispatched = true
		return nil
	})
	m.Precondition = func(records []collections.Record) error {
		if !collections.CanSetNotification(records, intent.TargetID) {
			return collections.ErrNotCollecting
		}
		return nil
	}

	outcome, err := Execute(context.Background(), h.engine, m)
	if !errors.Is(err, collections.ErrNotCollecting) {
		testContext.Fatalf("expected precondition error, got %v", err)
	}
	if dispatched {
		testContext.Fatalf("expected no dispatch")
	}
	if outcome.State != StateIdle || outcome.Result != ResultRejected {
		testContext.Fatalf("expected idle rejected outcome, got %#v", outcome)
	}
	if len(h.publisher.all()) != 0 {
		testContext.Fatalf("expected no signals")
	}
	h.waitIdle(testContext)
	if h.server.fetches.Load() != 1 {
		testContext.Fatalf("expected no refetch, got %d fetches", h.server.fetches.Load())
	}
	if records := h.log.all(); len(records) != 1 || records[0].Outcome != store.OutcomeRejected {
		testContext.Fatalf("expected rejected log entry, got %#v", records)
	}
}

func TestExecuteCollectorsFlipFailure(testContext *testing.T) {
	initial := []collections.Record{
		{ID: "c1", Username: "cora", IsCollecting: false},
		{ID: "c2", Username: "dan", IsCollecting: true},
	}
	h := newHarness(testContext, initial, true, nil)
	h.key = query.NewKey("users", "owner-1", "collectors")
	query.Read(h.cache, h.query())
	h.waitIdle(testContext)

	intent := collections.Intent{TargetID: "c1", Action: collections.ActionCollect}
	m := h.mutation(intent, nil)
	m.Patch = collections.PatchCollectors
	m.FailureMessage = "Failed to collect user"
	m.Dispatch = func(context.Context) error {
		current := h.value(testContext)
		if !current[0].IsCollecting {
			testContext.Errorf("expected optimistic flip while in flight")
		}
		return &jemzyapi.RequestError{Kind: jemzyapi.KindMalformed, StatusCode: 200, Err: errors.New("bad json")}
	}

	outcome, err := Execute(context.Background(), h.engine, m)
	if jemzyapi.KindOf(err) != jemzyapi.KindMalformed {
		testContext.Fatalf("expected malformed failure, got %v", err)
	}
	if !reflect.DeepEqual(outcome.Value, initial) {
		testContext.Fatalf("expected flip rolled back, got %#v", outcome.Value)
	}
}

func TestExecuteDetachesFromCallerCancellation(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}
	_, err := Execute(ctx, h.engine, h.mutation(intent, func(dispatchCtx context.Context) error {
		return dispatchCtx.Err()
	}))
	if err != nil {
		testContext.Fatalf("expected dispatch to ignore caller cancellation, got %v", err)
	}
}

func TestExecuteSerializesSameTarget(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), true, nil)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
			close(started)
			<-release
			return nil
		}))
		done <- err
	}()
	<-started

	_, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
		testContext.Errorf("expected second dispatch to be refused")
		return nil
	}))
	if !errors.Is(err, ErrMutationInFlight) {
		testContext.Fatalf("expected ErrMutationInFlight, got %v", err)
	}

	other := collections.Intent{TargetID: "u2", Action: collections.ActionUncollect}
	if _, err := Execute(context.Background(), h.engine, h.mutation(other, func(context.Context) error { return nil })); err != nil {
		testContext.Fatalf("expected independent target to proceed, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		testContext.Fatalf("expected first mutation to succeed, got %v", err)
	}
}

func TestExecuteLastResponseWinsWithoutSerialization(testContext *testing.T) {
	h := newHarness(testContext, sampleCollecting(), false, nil)
	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error {
			close(started)
			<-release
			return errors.New("late failure")
		}))
		done <- err
	}()
	<-started

	if _, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error { return nil })); err != nil {
		testContext.Fatalf("expected concurrent mutation to be accepted, got %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrMutationFailed) {
		testContext.Fatalf("expected late failure, got %v", err)
	}

	// The late failure restores its own snapshot, then the refetch reconciles.
	h.waitIdle(testContext)
	if got := h.value(testContext); !reflect.DeepEqual(got, sampleCollecting()) {
		testContext.Fatalf("expected server state after reconciliation, got %#v", got)
	}
}

func TestExecuteLogsAppendFailureAndContinues(testContext *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	h := newHarness(testContext, sampleCollecting(), true, zap.New(core))
	h.log.err = errors.New("disk full")

	intent := collections.Intent{TargetID: "u1", Action: collections.ActionUncollect}
	if _, err := Execute(context.Background(), h.engine, h.mutation(intent, func(context.Context) error { return nil })); err != nil {
		testContext.Fatalf("expected log failure to be ignored, got %v", err)
	}
	if recorded.FilterMessage("mutation log append failed").Len() != 1 {
		testContext.Fatalf("expected append failure to be logged")
	}
	if recorded.FilterMessage("mutation transition").Len() != 3 {
		testContext.Fatalf("expected three transitions, got %d", recorded.FilterMessage("mutation transition").Len())
	}
}

func TestNewEngineRequiresCache(testContext *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		testContext.Fatalf("expected missing cache error")
	}
}
