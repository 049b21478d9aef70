package models

import "time"

// DispatchStatus captures the outcome of a dispatch call. Duplicate,
// expired, and partial outcomes are ordinary results, not errors.
type DispatchStatus string

const (
	DispatchDelivered DispatchStatus = "delivered"
	DispatchPartial   DispatchStatus = "partial"
	DispatchDuplicate DispatchStatus = "duplicate"
	DispatchExpired   DispatchStatus = "expired"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchResult summarises what happened to a single alert.
// ChannelsSent lists only the channels that confirmed success before the
// fan-out deadline.
type DispatchResult struct {
	AlertID      string         `json:"alert_id"`
	Status       DispatchStatus `json:"status"`
	ChannelsSent []AlertChannel `json:"channels_sent"`
	CreatedAt    time.Time      `json:"created_at"`
}
