package application

import (
	"context"

	"bull-bridge/internal/domain"
)

// Notifier delivers availability alerts to a person.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ domain.Alert) error {
	return nil
}
