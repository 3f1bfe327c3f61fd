package notify

import (
	"context"
	"time"
)

// Event describes a finished deploy. It is published as JSON so Home
// Assistant automations can react to it (e.g. restart the AppDaemon
// add-on; appdeployd itself never restarts anything).
type Event struct {
	Source       string    `json:"source"`
	Dest         string    `json:"dest"`
	Commit       string    `json:"commit,omitempty"`
	FilesCopied  int       `json:"files_copied"`
	FilesRemoved int       `json:"files_removed"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Notifier announces completed deploys to an external system
type Notifier interface {
	// DeployCompleted publishes the deploy event
	DeployCompleted(ctx context.Context, event Event) error
	// Close releases any underlying connection
	Close()
}

// Nop is a Notifier that does nothing, used when no broker is configured
type Nop struct{}

func (Nop) DeployCompleted(context.Context, Event) error { return nil }

func (Nop) Close() {}
