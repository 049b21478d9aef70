package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertPriority indicates the urgency of an alert and drives both
// subscription filtering and chat message styling.
type AlertPriority string

const (
	AlertPriorityLow      AlertPriority = "low"
	AlertPriorityMedium   AlertPriority = "medium"
	AlertPriorityHigh     AlertPriority = "high"
	AlertPriorityCritical AlertPriority = "critical"
)

// AlertCategory classifies the subsystem an alert originated from.
type AlertCategory string

const (
	AlertCategorySystem   AlertCategory = "system"
	AlertCategoryWorkflow AlertCategory = "workflow"
	AlertCategorySchedule AlertCategory = "schedule"
	AlertCategoryContent  AlertCategory = "content"
	AlertCategorySecurity AlertCategory = "security"
)

// AlertChannel enumerates supported delivery channels.
type AlertChannel string

const (
	ChannelWebSocket AlertChannel = "websocket"
	ChannelSlack     AlertChannel = "slack"
)

// Field length caps enforced at validation time.
const (
	MaxTitleLength   = 200
	MaxMessageLength = 4000
)

var validPriorities = map[AlertPriority]struct{}{
	AlertPriorityLow:      {},
	AlertPriorityMedium:   {},
	AlertPriorityHigh:     {},
	AlertPriorityCritical: {},
}

var validCategories = map[AlertCategory]struct{}{
	AlertCategorySystem:   {},
	AlertCategoryWorkflow: {},
	AlertCategorySchedule: {},
	AlertCategoryContent:  {},
	AlertCategorySecurity: {},
}

var validChannels = map[AlertChannel]struct{}{
	ChannelWebSocket: {},
	ChannelSlack:     {},
}

// Alert is a structured notification routed to one or more delivery
// channels. Alerts are treated as immutable once constructed; mutating an
// Alert after handing it to the dispatcher is a caller bug.
type Alert struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Priority     AlertPriority     `json:"priority"`
	Category     AlertCategory     `json:"category"`
	Channels     []AlertChannel    `json:"channels"`
	Source       string            `json:"source"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	// SlackChannel overrides the client's default channel for this alert.
	SlackChannel string `json:"slack_channel,omitempty"`
}

// CreateAlertRequest is the payload accepted by the dispatch API.
type CreateAlertRequest struct {
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Priority     AlertPriority     `json:"priority"`
	Category     AlertCategory     `json:"category"`
	Channels     []AlertChannel    `json:"channels"`
	Source       string            `json:"source"`
	TargetUserID string            `json:"target_user_id"`
	Metadata     map[string]string `json:"metadata"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	SlackChannel string            `json:"slack_channel"`
}

// NewAlert builds a validated Alert from a request, assigning an id and
// creation timestamp.
func NewAlert(req *CreateAlertRequest) (*Alert, error) {
	alert := &Alert{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(req.Title),
		Message:      strings.TrimSpace(req.Message),
		Priority:     req.Priority,
		Category:     req.Category,
		Channels:     req.Channels,
		Source:       strings.TrimSpace(req.Source),
		TargetUserID: strings.TrimSpace(req.TargetUserID),
		Metadata:     req.Metadata,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    req.ExpiresAt,
		SlackChannel: strings.TrimSpace(req.SlackChannel),
	}
	if alert.Priority == "" {
		alert.Priority = AlertPriorityMedium
	}
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	return alert, nil
}

// Validate checks the structural invariants of an alert.
func (a *Alert) Validate() error {
	if a.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(a.Title) > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLength)
	}
	if a.Message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if len(a.Message) > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters", ErrValidation, MaxMessageLength)
	}
	if _, ok := validPriorities[a.Priority]; !ok {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, a.Priority)
	}
	if _, ok := validCategories[a.Category]; !ok {
		return fmt.Errorf("%w: invalid category %q", ErrValidation, a.Category)
	}
	if len(a.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}
	for _, ch := range a.Channels {
		if _, ok := validChannels[ch]; !ok {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
	}
	return nil
}

// Expired reports whether the alert's expiry deadline has passed.
func (a *Alert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}
