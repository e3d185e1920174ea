package views

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jemzy/jemzy-views/internal/auth"
	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/mutation"
	"github.com/jemzy/jemzy-views/internal/query"
	"github.com/jemzy/jemzy-views/internal/signals"
	"github.com/jemzy/jemzy-views/internal/store"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "views-secret"
	testIssuer        = "jemzy-auth"
	testCookieName    = "jemzy_session"
	testUserID        = "owner-1"
)

type fakeUpstream struct {
	mu            sync.Mutex
	collecting    []collections.Record
	collectors    []collections.Record
	listTokens    []string
	mutationErr   error
	mutationCalls []string
}

func (f *fakeUpstream) Collecting(_ context.Context, token, _ string) ([]collections.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listTokens = append(f.listTokens, token)
	return append([]collections.Record{}, f.collecting...), nil
}

func (f *fakeUpstream) Collectors(_ context.Context, _, _ string) ([]collections.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]collections.Record{}, f.collectors...), nil
}

func (f *fakeUpstream) UncollectUser(_ context.Context, _, targetID string) error {
	return f.mutate("uncollect-user:"+targetID, func() {
		f.collecting = removeRecord(f.collecting, targetID)
	})
}

func (f *fakeUpstream) SetCollecting(_ context.Context, _, targetID string, collect bool) error {
	verb := "uncollect"
	if collect {
		verb = "collect"
	}
	return f.mutate(verb+":"+targetID, func() {
		for index := range f.collectors {
			if f.collectors[index].ID == targetID {
				f.collectors[index].IsCollecting = collect
			}
		}
	})
}

func (f *fakeUpstream) SetNotificationPreference(_ context.Context, _, targetID string, enabled bool) error {
	return f.mutate("notifications:"+targetID, func() {
		for index := range f.collecting {
			if f.collecting[index].ID == targetID {
				f.collecting[index].NotificationsEnabled = &enabled
			}
		}
	})
}

func (f *fakeUpstream) mutate(call string, apply func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutationCalls = append(f.mutationCalls, call)
	if f.mutationErr != nil {
		return f.mutationErr
	}
	apply()
	return nil
}

func (f *fakeUpstream) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listTokens...)
}

func (f *fakeUpstream) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutationCalls...)
}

func removeRecord(records []collections.Record, targetID string) []collections.Record {
	next := make([]collections.Record, 0, len(records))
	for _, record := range records {
		if record.ID != targetID {
			next = append(next, record)
		}
	}
	return next
}

type fakeIdentity struct{}

func (fakeIdentity) Resolve(_ context.Context, _, expectedID string) (jemzyapi.CurrentUser, error) {
	return jemzyapi.CurrentUser{ID: expectedID, Username: "owner"}, nil
}

type fakeLimiter struct {
	allow bool
}

func (f fakeLimiter) Allow(string) bool {
	return f.allow
}

type fakeHistory struct {
	records []store.MutationRecord
}

func (f fakeHistory) ListMutations(_ context.Context, userID string, limit int) ([]store.MutationRecord, error) {
	var matched []store.MutationRecord
	for _, record := range f.records {
		if record.UserID == userID && len(matched) < limit {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

type testEnv struct {
	server   *httptest.Server
	cache    *query.Cache
	hub      *signals.Hub
	upstream *fakeUpstream
	token    string
}

type envOption func(*Dependencies)

func newTestEnv(testContext *testing.T, upstream *fakeUpstream, options ...envOption) *testEnv {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to create validator: %v", err)
	}
	cache, err := query.NewCache(query.CacheConfig{})
	if err != nil {
		testContext.Fatalf("failed to create cache: %v", err)
	}
	hub := signals.NewHub()
	engine, err := mutation.NewEngine(mutation.EngineConfig{
		Cache:              cache,
		Signals:            hub,
		SerializePerTarget: true,
		LockAttempts:       1,
	})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}

	deps := Dependencies{
		Sessions:  validator,
		Cache:     cache,
		Engine:    engine,
		Upstream:  upstream,
		Identity:  fakeIdentity{},
		Signals:   hub,
		Heartbeat: time.Hour,
		MaxWait:   2 * time.Second,
		Logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		server.Close()
		_ = cache.Close()
	})
	return &testEnv{
		server:   server,
		cache:    cache,
		hub:      hub,
		upstream: upstream,
		token:    signSession(testContext, testUserID),
	}
}

func signSession(testContext *testing.T, userID string) string {
	testContext.Helper()
	return signSessionFor(testContext, userID, time.Hour)
}

func signSessionFor(testContext *testing.T, userID string, lifetime time.Duration) string {
	testContext.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session: %v", err)
	}
	return signed
}

func (e *testEnv) do(testContext *testing.T, method, path, body string) (int, map[string]any) {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+e.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	decoded := map[string]any{}
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			testContext.Fatalf("failed to decode body %q: %v", raw, err)
		}
	}
	return response.StatusCode, decoded
}

func (e *testEnv) load(testContext *testing.T, path string) map[string]any {
	testContext.Helper()
	status, body := e.do(testContext, http.MethodGet, path+"?wait=true", "")
	if status != http.StatusOK || body["status"] != string(query.StatusSuccess) {
		testContext.Fatalf("expected loaded entry from %s, got %d %#v", path, status, body)
	}
	return body
}

func (e *testEnv) waitIdle(testContext *testing.T) {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.cache.WaitIdle(ctx); err != nil {
		testContext.Fatalf("cache did not settle: %v", err)
	}
}

func recordIDs(testContext *testing.T, value any) []string {
	testContext.Helper()
	items, ok := value.([]any)
	if !ok {
		testContext.Fatalf("expected record list, got %#v", value)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			testContext.Fatalf("expected record object, got %#v", item)
		}
		ids = append(ids, record["id"].(string))
	}
	return ids
}

func boolPointer(value bool) *bool {
	return &value
}
