// Package alert delivers operator notifications about unremediated drift.
package alert

import "fmt"

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// FormatDrift renders the standard drift alert line: severity, symbol,
// classification and detail, in that order.
func FormatDrift(severity Severity, symbol, classification, detail string) string {
	return fmt.Sprintf("[%s] %s %s: %s", severity, symbol, classification, detail)
}

// NoOpNotifier is a notifier that does nothing. It is used when alerting is
// not configured.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing and returns nil.
func (n *NoOpNotifier) Send(message string) error {
	return nil
}

// Close does nothing and returns nil.
func (n *NoOpNotifier) Close() error {
	return nil
}
