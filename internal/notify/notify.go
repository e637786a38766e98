// Package notify carries terminal pipeline events to the user-facing
// system.
package notify

import (
	"context"
	"log"
)

// EventKind classifies a pipeline event.
type EventKind string

const (
	EventAssetReady  EventKind = "asset_ready"
	EventAssetFailed EventKind = "asset_failed"
	EventStageFailed EventKind = "stage_failed" // non-critical, warning severity
)

// Severity of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one notification about an asset.
type Event struct {
	AssetID  string                 `json:"assetId"`
	Kind     EventKind              `json:"kind"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Notifier receives terminal-failure and completion events.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	switch event.Severity {
	case SeverityWarning:
		log.Printf("Warning: asset %s: %s %v", event.AssetID, event.Kind, event.Details)
	case SeverityError:
		log.Printf("Error: asset %s: %s %v", event.AssetID, event.Kind, event.Details)
	default:
		log.Printf("Asset %s: %s %v", event.AssetID, event.Kind, event.Details)
	}
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}
