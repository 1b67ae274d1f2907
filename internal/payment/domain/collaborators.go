package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// OrderService is the order collaborator consumed on terminal transitions.
type OrderService interface {
	GetOrderAmount(ctx context.Context, orderID snowflake.ID) (int64, string, error)
	MarkOrderPaid(ctx context.Context, orderID snowflake.ID) error
	MarkOrderFailed(ctx context.Context, orderID snowflake.ID) error
}

// StatusChange is emitted after every successful transition. Delivery and
// formatting are the notification system's concern.
type StatusChange struct {
	PaymentID snowflake.ID `json:"payment_id"`
	OldStatus Status       `json:"old_status"`
	NewStatus Status       `json:"new_status"`
	Method    Method       `json:"method"`
}

// EventPublisher delivers status-change events to the notification
// collaborator. Publish failures are logged, never propagated into the
// transition.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, change StatusChange) error
}
