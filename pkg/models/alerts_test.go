package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validRequest() *CreateAlertRequest {
	return &CreateAlertRequest{
		Title:    "Deploy finished",
		Message:  "version 1.4.2 is live",
		Priority: AlertPriorityLow,
		Category: AlertCategorySystem,
		Channels: []AlertChannel{ChannelWebSocket},
		Source:   "deploybot",
	}
}

func TestNewAlertAssignsIDAndTimestamp(t *testing.T) {
	alert, err := NewAlert(validRequest())
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	if alert.ID == "" {
		t.Fatal("alert must be assigned an id")
	}
	if alert.CreatedAt.IsZero() {
		t.Fatal("alert must be assigned a creation timestamp")
	}
}

func TestNewAlertDefaultsPriority(t *testing.T) {
	req := validRequest()
	req.Priority = ""
	alert, err := NewAlert(req)
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	if alert.Priority != AlertPriorityMedium {
		t.Fatalf("priority = %s, want medium", alert.Priority)
	}
}

func TestNewAlertTrimsWhitespace(t *testing.T) {
	req := validRequest()
	req.Title = "  Deploy finished  "
	req.Source = " deploybot "
	alert, err := NewAlert(req)
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	if alert.Title != "Deploy finished" || alert.Source != "deploybot" {
		t.Fatalf("fields not trimmed: %q %q", alert.Title, alert.Source)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateAlertRequest)
		wantErr bool
	}{
		{"valid", func(r *CreateAlertRequest) {}, false},
		{"empty title", func(r *CreateAlertRequest) { r.Title = "" }, true},
		{"whitespace title", func(r *CreateAlertRequest) { r.Title = "   " }, true},
		{"title too long", func(r *CreateAlertRequest) { r.Title = strings.Repeat("x", MaxTitleLength+1) }, true},
		{"empty message", func(r *CreateAlertRequest) { r.Message = "" }, true},
		{"message too long", func(r *CreateAlertRequest) { r.Message = strings.Repeat("x", MaxMessageLength+1) }, true},
		{"unknown priority", func(r *CreateAlertRequest) { r.Priority = "urgent" }, true},
		{"unknown category", func(r *CreateAlertRequest) { r.Category = "misc" }, true},
		{"no channels", func(r *CreateAlertRequest) { r.Channels = nil }, true},
		{"unknown channel", func(r *CreateAlertRequest) { r.Channels = []AlertChannel{"pager"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := NewAlert(req)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	alert := &Alert{}
	if alert.Expired(now) {
		t.Fatal("alert without expiry must never expire")
	}
	alert.ExpiresAt = &future
	if alert.Expired(now) {
		t.Fatal("future expiry must not be expired")
	}
	alert.ExpiresAt = &past
	if !alert.Expired(now) {
		t.Fatal("past expiry must be expired")
	}
}
