// Package admission implements the ordered gate checks applied to every
// dispatch before execution: authentication, rate limiting, circuit breaking
// and response-cache bookkeeping. Stages are independent; the pipeline stops
// at the first stage that denies.
package admission

import (
	"context"

	"workflow-gateway/backend/pkg/models"
)

// Stage is one admission gate. Evaluate may mutate the request only to
// attach identity resolved from credentials (the authenticator does this);
// it must never change workflow name or parameters.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision
}

// Recorder receives the outcome of every stage evaluation. Wired to the
// metrics reporter; a nil recorder is valid.
type Recorder func(stage string, allowed bool)

// Pipeline chains stages in a fixed, configured order.
type Pipeline struct {
	stages []Stage
	record Recorder
}

// NewPipeline builds a pipeline over the given stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// OnDecision sets the recorder invoked after each stage evaluation.
func (p *Pipeline) OnDecision(r Recorder) { p.record = r }

// Evaluate runs the request through every stage, stopping at the first
// denial. Stages after a denying stage never execute.
func (p *Pipeline) Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision {
	for _, stage := range p.stages {
		decision := stage.Evaluate(ctx, req)
		if p.record != nil {
			p.record(stage.Name(), decision.Allow)
		}
		if !decision.Allow {
			return decision
		}
	}
	return models.Allowed("pipeline")
}
