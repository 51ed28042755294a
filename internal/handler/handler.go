// Package handler decides which callable a trigger runs on and whether a
// worker's current handler can serve a new trigger.
//
// Two job types are hosted in-process: Managed (a Go function registered in a
// ManagedSource) and Scripted (JavaScript run on an embedded goja runtime).
// Every other type needs an external runtime and is rejected.
package handler

import (
	"context"
	"encoding/json"

	"triggerd/internal/trigger"
)

// Handler is the opaque callable a worker owns.
//
// Invoke must honour ctx: when it is done the handler should return promptly.
// Handlers that cannot be interrupted are abandoned by their worker after the
// stop timeout.
type Handler interface {
	Invoke(ctx context.Context, payload json.RawMessage) (any, error)
	Type() trigger.JobType
	// Name is the registered function or script name.
	Name() string
	// Version identifies the code the handler runs. Equal versions are
	// interchangeable.
	Version() string
}
