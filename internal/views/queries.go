package views

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/query"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

func currentUserKey(userID string) query.Key {
	return query.NewKey("auth", "user", userID)
}

func relationKey(userID string, view collections.View) query.Key {
	return query.NewKey("users", userID, string(view))
}

type entryPayload struct {
	Status        query.Status  `json:"status"`
	Value         any           `json:"value"`
	Stale         bool          `json:"stale"`
	Fetching      bool          `json:"fetching"`
	LastFetchedAt *time.Time    `json:"lastFetchedAt,omitempty"`
	Error         *errorPayload `json:"error,omitempty"`
}

type errorPayload struct {
	Kind       jemzyapi.FailureKind `json:"kind,omitempty"`
	StatusCode int                  `json:"statusCode,omitempty"`
}

func newEntryPayload[T any](entry query.Entry[T]) entryPayload {
	payload := entryPayload{
		Status:   entry.Status,
		Stale:    entry.Stale,
		Fetching: entry.Fetching,
	}
	if entry.HasValue {
		payload.Value = entry.Value
	}
	if !entry.LastFetchedAt.IsZero() {
		fetchedAt := entry.LastFetchedAt.UTC()
		payload.LastFetchedAt = &fetchedAt
	}
	if entry.Err != nil {
		payload.Error = &errorPayload{
			Kind:       jemzyapi.KindOf(entry.Err),
			StatusCode: jemzyapi.StatusCodeOf(entry.Err),
		}
	}
	return payload
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	token := c.GetString(sessionTokenContextKey)
	q := query.Query[jemzyapi.CurrentUser]{
		Key: currentUserKey(userID),
		Fetch: func(ctx context.Context) (jemzyapi.CurrentUser, error) {
			return h.identity.Resolve(ctx, token, userID)
		},
	}
	entry := readEntry(c.Request.Context(), h.cache, q, h.waitFor(c))
	c.JSON(http.StatusOK, newEntryPayload(entry))
}

type relationLister func(ctx context.Context, token, ownerID string) ([]collections.Record, error)

func (h *httpHandler) handleCollecting(c *gin.Context) {
	h.serveRelation(c, collections.ViewCollecting)
}

func (h *httpHandler) handleCollectors(c *gin.Context) {
	h.serveRelation(c, collections.ViewCollectors)
}

func (h *httpHandler) listRelation(view collections.View) relationLister {
	if view == collections.ViewCollectors {
		return h.upstream.Collectors
	}
	return h.upstream.Collecting
}

func (h *httpHandler) serveRelation(c *gin.Context, view collections.View) {
	userID := c.GetString(userIDContextKey)
	token := c.GetString(sessionTokenContextKey)
	list := h.listRelation(view)
	q := query.Query[[]collections.Record]{
		Key: relationKey(userID, view),
		Fetch: func(ctx context.Context) ([]collections.Record, error) {
			return list(ctx, token, userID)
		},
	}
	entry := readEntry(c.Request.Context(), h.cache, q, h.waitFor(c))
	c.JSON(http.StatusOK, newEntryPayload(entry))
}

func (h *httpHandler) handleMutationHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	userID := c.GetString(userIDContextKey)
	records, err := h.history.ListMutations(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list mutations", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable"})
		return
	}

	type historyItem struct {
		MutationID  string    `json:"mutationId"`
		TargetID    string    `json:"targetId"`
		Action      string    `json:"action"`
		Outcome     string    `json:"outcome"`
		FailureKind string    `json:"failureKind,omitempty"`
		StatusCode  int       `json:"statusCode,omitempty"`
		StartedAt   time.Time `json:"startedAt"`
		SettledAt   time.Time `json:"settledAt"`
	}
	items := make([]historyItem, 0, len(records))
	for _, record := range records {
		items = append(items, historyItem{
			MutationID:  record.MutationID,
			TargetID:    record.TargetID,
			Action:      record.Action,
			Outcome:     string(record.Outcome),
			FailureKind: record.FailureKind,
			StatusCode:  record.StatusCode,
			StartedAt:   time.UnixMilli(record.StartedAtMillis).UTC(),
			SettledAt:   time.UnixMilli(record.SettledAtMillis).UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"mutations": items})
}

// waitFor returns how long to hold the response for a running fetch. Callers
// opt in with ?wait=true.
func (h *httpHandler) waitFor(c *gin.Context) time.Duration {
	wait, err := strconv.ParseBool(c.DefaultQuery("wait", "false"))
	if err != nil || !wait {
		return 0
	}
	return h.maxWait
}

// readEntry returns the entry for q. With a positive wait it blocks until the
// entry is no longer fetching, ctx ends or wait elapses.
func readEntry[T any](ctx context.Context, cache *query.Cache, q query.Query[T], wait time.Duration) query.Entry[T] {
	entry := query.Read(cache, q)
	if wait <= 0 || !entry.Fetching {
		return entry
	}

	changes, release := cache.Observe(q.Key)
	defer release()
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		current, found := query.Snapshot[T](cache, q.Key)
		if found {
			entry = current
		}
		if !entry.Fetching {
			return entry
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return entry
		}
	}
}
