// Package samples holds the bundled sample workflows: a string transform, a
// fetch-then-report pipeline and a chunked long-running job.
package samples

import (
	"time"

	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/schema"
)

// TaskQueue is the queue the sample workflows are started on by default.
const TaskQueue = "ai-template-workflows"

// Workflow types.
const (
	WorkflowDataProcessing        = "data-processing"
	WorkflowReportGeneration      = "report-generation"
	WorkflowLongRunningProcessing = "long-running-processing"
)

// Activity types.
const (
	ActivityProcessData         = "processData"
	ActivityGenerateReport      = "generateReport"
	ActivityProcessLargeDataset = "processLargeDataset"
	ActivityFetchExternalData   = "fetchExternalData"
)

const dataProcessingSchema = `{
  "type": "object",
  "required": ["inputData", "operation"],
  "properties": {
    "inputData": {"type": "string"},
    "operation": {"enum": ["uppercase", "lowercase", "reverse", "wordcount"]}
  }
}`

const reportGenerationSchema = `{
  "type": "object",
  "required": ["title", "dataSource", "format"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "dataSource": {"type": "string", "minLength": 1},
    "query": {"type": "string"},
    "format": {"enum": ["markdown", "json"]}
  }
}`

const longRunningSchema = `{
  "type": "object",
  "required": ["dataSize", "chunkSize"],
  "properties": {
    "dataSize": {"type": "integer", "minimum": 0},
    "chunkSize": {"type": "integer", "minimum": 1},
    "generateReport": {"type": "boolean"}
  }
}`

// ActivityDefaults are applied to every sample activity invocation that does
// not set its own options.
func ActivityDefaults() schema.ActivityOptions {
	opts := schema.DefaultActivityOptions()
	opts.RetryPolicy.MaximumAttempts = 3
	return opts
}

// Register adds the sample workflows and acts' activities to r.
func Register(r *registry.Registry, acts *Activities) error {
	defaults := registry.WithActivityOptions(ActivityDefaults())
	chunked := ActivityDefaults()
	chunked.StartToCloseTimeout = 10 * time.Minute
	chunked.HeartbeatTimeout = 10 * time.Second

	steps := []func() error{
		func() error {
			return registry.RegisterActivity(r, ActivityProcessData, acts.ProcessData, defaults,
				registry.WithDescription("Transforms a string"))
		},
		func() error {
			return registry.RegisterActivity(r, ActivityGenerateReport, acts.GenerateReport, defaults,
				registry.WithDescription("Renders data as a markdown or JSON report"))
		},
		func() error {
			return registry.RegisterActivity(r, ActivityProcessLargeDataset, acts.ProcessLargeDataset,
				registry.WithActivityOptions(chunked),
				registry.WithDescription("Processes a dataset chunk by chunk, heartbeating progress"))
		},
		func() error {
			return registry.RegisterActivity(r, ActivityFetchExternalData, acts.FetchExternalData, defaults,
				registry.WithDescription("Reads records from a data source, filtered by an optional query"))
		},
		func() error {
			return registry.RegisterWorkflow(r, WorkflowDataProcessing, DataProcessing,
				registry.WithInputSchema(dataProcessingSchema),
				registry.WithDescription("Applies a string operation to the input"))
		},
		func() error {
			return registry.RegisterWorkflow(r, WorkflowReportGeneration, ReportGeneration,
				registry.WithInputSchema(reportGenerationSchema),
				registry.WithDescription("Fetches data and renders a report"))
		},
		func() error {
			return registry.RegisterWorkflow(r, WorkflowLongRunningProcessing, LongRunningProcessing,
				registry.WithInputSchema(longRunningSchema),
				registry.WithDescription("Processes a large dataset and optionally reports on it"))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
