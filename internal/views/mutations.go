package views

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/mutation"
	"go.uber.org/zap"
)

type messages struct {
	success string
	failure string
}

var (
	uncollectMessages    = messages{success: "User uncollected", failure: "Failed to uncollect user"}
	collectMessages      = messages{success: "User collected", failure: "Failed to collect user"}
	notificationsEnabled = messages{success: "Notifications enabled", failure: "Failed to update notification preferences"}
	notificationsMuted   = messages{success: "Notifications disabled", failure: "Failed to update notification preferences"}
)

type notificationRequestPayload struct {
	NotificationsEnabled *bool `json:"notificationsEnabled" binding:"required"`
}

type mutationResponsePayload struct {
	MutationID string               `json:"mutationId"`
	State      string               `json:"state"`
	Result     mutation.Result      `json:"result"`
	Value      any                  `json:"value"`
	Error      string               `json:"error,omitempty"`
	Kind       jemzyapi.FailureKind `json:"kind,omitempty"`
}

func (h *httpHandler) handleCollectingUncollect(c *gin.Context) {
	h.runRelationMutation(c, collections.ViewCollecting, collections.ActionUncollect, false, uncollectMessages,
		func(ctx context.Context, token, targetID string, _ bool) error {
			return h.upstream.UncollectUser(ctx, token, targetID)
		})
}

func (h *httpHandler) handleCollectingNotifications(c *gin.Context) {
	var request notificationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	text := notificationsMuted
	if *request.NotificationsEnabled {
		text = notificationsEnabled
	}
	h.runRelationMutation(c, collections.ViewCollecting, collections.ActionSetNotification, *request.NotificationsEnabled, text,
		func(ctx context.Context, token, targetID string, enabled bool) error {
			return h.upstream.SetNotificationPreference(ctx, token, targetID, enabled)
		})
}

func (h *httpHandler) handleCollectorsCollect(c *gin.Context) {
	h.runRelationMutation(c, collections.ViewCollectors, collections.ActionCollect, false, collectMessages,
		func(ctx context.Context, token, targetID string, _ bool) error {
			return h.upstream.SetCollecting(ctx, token, targetID, true)
		})
}

func (h *httpHandler) handleCollectorsUncollect(c *gin.Context) {
	h.runRelationMutation(c, collections.ViewCollectors, collections.ActionUncollect, false, uncollectMessages,
		func(ctx context.Context, token, targetID string, _ bool) error {
			return h.upstream.SetCollecting(ctx, token, targetID, false)
		})
}

func (h *httpHandler) runRelationMutation(
	c *gin.Context,
	view collections.View,
	action collections.Action,
	enabled bool,
	text messages,
	send func(ctx context.Context, token, targetID string, enabled bool) error,
) {
	intent, err := collections.NewIntent(c.Param("id"), action, enabled)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	userID := c.GetString(userIDContextKey)
	token := c.GetString(sessionTokenContextKey)
	list := h.listRelation(view)

	m := mutation.Mutation[[]collections.Record]{
		UserID: userID,
		Key:    relationKey(userID, view),
		Intent: intent,
		Patch:  collections.PatchFor(view),
		Dispatch: func(ctx context.Context) error {
			return send(ctx, token, intent.TargetID, intent.Enabled)
		},
		Refetch: func(ctx context.Context) ([]collections.Record, error) {
			return list(ctx, token, userID)
		},
		SuccessMessage: text.success,
		FailureMessage: text.failure,
	}
	if action == collections.ActionSetNotification {
		m.Precondition = func(records []collections.Record) error {
			if !collections.CanSetNotification(records, intent.TargetID) {
				return collections.ErrNotCollecting
			}
			return nil
		}
	}

	outcome, err := mutation.Execute(c.Request.Context(), h.engine, m)
	response := mutationResponsePayload{
		MutationID: outcome.MutationID,
		State:      outcome.State,
		Result:     outcome.Result,
	}
	if outcome.HasValue {
		response.Value = outcome.Value
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, response)
	case errors.Is(err, collections.ErrNotCollecting):
		response.Error = "not_collecting"
		c.JSON(http.StatusConflict, response)
	case errors.Is(err, mutation.ErrMutationInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "mutation_in_flight"})
	case errors.Is(err, mutation.ErrMutationFailed):
		response.Error = "mutation_failed"
		response.Kind = jemzyapi.KindOf(err)
		c.JSON(http.StatusBadGateway, response)
	default:
		h.logger.Error("mutation could not run",
			zap.String("user_id", userID),
			zap.String("action", intent.Label()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_error"})
	}
}
