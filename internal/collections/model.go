package collections

import (
	"errors"
	"fmt"
	"strings"
)

// Action enumerates the social-graph mutations a view can request.
type Action string

const (
	// ActionCollect starts collecting (following) the target user.
	ActionCollect Action = "collect"
	// ActionUncollect stops collecting the target user.
	ActionUncollect Action = "uncollect"
	// ActionSetNotification toggles notifications for a collected user.
	ActionSetNotification Action = "set-notification"
)

// View names the list a relation record is displayed in.
type View string

const (
	// ViewCollecting lists the users the owner collects.
	ViewCollecting View = "collecting"
	// ViewCollectors lists the users collecting the owner.
	ViewCollectors View = "collectors"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTargetID indicates that a target identifier is empty or exceeds bounds.
	ErrInvalidTargetID = errors.New("collections: invalid target id")
	// ErrUnknownAction indicates that an intent names an unsupported action.
	ErrUnknownAction = errors.New("collections: unknown action")
	// ErrNotCollecting indicates a notification toggle for a user that is not collected.
	ErrNotCollecting = errors.New("collections: target is not collected")
)

// Record is a user as shown in the collecting and collectors lists.
type Record struct {
	ID                   string  `json:"id" validate:"required,max=190"`
	Username             string  `json:"username,omitempty"`
	DisplayName          string  `json:"displayName,omitempty"`
	FirstName            string  `json:"firstName,omitempty"`
	LastName             string  `json:"lastName,omitempty"`
	AvatarURL            *string `json:"avatarUrl,omitempty"`
	IsCollecting         bool    `json:"isCollecting"`
	NotificationsEnabled *bool   `json:"notificationsEnabled,omitempty"`
}

// Intent is a single requested mutation against one relation record.
type Intent struct {
	TargetID string
	Action   Action
	// Enabled carries the requested value for ActionSetNotification.
	Enabled bool
}

// NewIntent validates raw input and returns an Intent.
func NewIntent(targetID string, action Action, enabled bool) (Intent, error) {
	trimmed := strings.TrimSpace(targetID)
	if trimmed == "" {
		return Intent{}, fmt.Errorf("%w: empty", ErrInvalidTargetID)
	}
	if len(trimmed) > maxIdentifierLength {
		return Intent{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidTargetID, maxIdentifierLength)
	}
	switch action {
	case ActionCollect, ActionUncollect, ActionSetNotification:
	default:
		return Intent{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return Intent{TargetID: trimmed, Action: action, Enabled: enabled}, nil
}

// Label returns a short name for logs and metrics, e.g. "set-notification:off".
func (i Intent) Label() string {
	if i.Action != ActionSetNotification {
		return string(i.Action)
	}
	if i.Enabled {
		return string(i.Action) + ":on"
	}
	return string(i.Action) + ":off"
}
