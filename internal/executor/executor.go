// Package executor defines the gateway's contract with the workflow
// execution engine. The engine is opaque to the gateway: given a handle and
// the full parameter set, it runs to completion or failure. Scheduling,
// retries and convergence inside one execution belong to the engine.
package executor

import (
	"context"

	"workflow-gateway/backend/pkg/models"
)

// Executor runs one workflow execution. The entire parameter set is passed
// by value to every execution unit (broadcast); selection of individual
// names is the engine's concern, never the gateway's. Implementations must
// honor context cancellation.
type Executor interface {
	Execute(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet) (map[string]any, error)
}

// Func adapts a plain function to the Executor interface. Used for
// in-process workflows and in tests.
type Func func(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet) (map[string]any, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet) (map[string]any, error) {
	return f(ctx, handle, params)
}
