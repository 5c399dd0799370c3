package driven

import "context"

// Notifier defines the driven port for delivering a formatted alert message.
// Failures wrap ErrDelivery.
type Notifier interface {
	Send(ctx context.Context, message string) error
}
