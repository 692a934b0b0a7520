package main

import (
	"context"
	"log/slog"
	"time"
)

// AdminNotification is the message shape pushed to the dashboard channel.
type AdminNotification struct {
	Kind      string    `json:"kind"` // purchase, session_complete, restock
	SessionID int64     `json:"session_id,omitempty"`
	ProductID int64     `json:"product_id,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationService pushes live study activity to the admin dashboard.
// Without PubNub keys it degrades to logging only.
type NotificationService struct {
	pubNub Pubnub
}

func NewNotificationService(pubNub Pubnub) *NotificationService {
	return &NotificationService{pubNub: pubNub}
}

func (ns *NotificationService) Notify(ctx context.Context, payload NotifyAdminPayload) error {
	notification := AdminNotification{
		Kind:      payload.Kind,
		SessionID: payload.SessionID,
		ProductID: payload.ProductID,
		Amount:    payload.Amount,
		Message:   payload.Message,
		Timestamp: time.Now(),
	}

	if ns.pubNub == nil {
		slog.Info("Admin notification (no push configured)", "kind", notification.Kind, "message", notification.Message)
		return nil
	}

	if _, err := ns.pubNub.Publish(ctx, AdminChannel, notification); err != nil {
		return err
	}
	return nil
}
