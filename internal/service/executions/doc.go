// Package executions exposes the orchestrator over HTTP.
//
// Routes:
//   - POST /v1/executions                               run a workflow to completion
//   - POST /v1/executions/{execution_id}/resume         continue a run from its checkpoints
//   - GET  /v1/executions                               list run headers
//   - GET  /v1/executions/{execution_id}                one run header
//   - GET  /v1/executions/{execution_id}/checkpoints    checkpoint history and latest state per step
//   - POST /v1/plans                                    validate a workflow and return its levels
//
// Runs are synchronous: the response carries the WorkflowExecutionResult. Step
// failures are part of a 200 response; only invalid requests are rejected.
package executions
