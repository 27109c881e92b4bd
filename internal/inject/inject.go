// Package inject delivers finished transcripts to the target pane.
package inject

import "context"

// Injector delivers text to a target. Empty text is a no-op.
type Injector interface {
	Deliver(ctx context.Context, target, text string) error
}
