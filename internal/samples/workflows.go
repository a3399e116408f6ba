package samples

import (
	"time"

	"github.com/rendis/loom/pkg/workflow"
)

type DataProcessingResult struct {
	ProcessDataResult
	WorkflowID string `json:"workflowId"`
}

// DataProcessing runs a single processData activity.
func DataProcessing(ctx workflow.Context, p ProcessDataParams) (*DataProcessingResult, error) {
	var out ProcessDataResult
	if err := workflow.ExecuteActivity(ctx, ActivityProcessData, p).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &DataProcessingResult{ProcessDataResult: out, WorkflowID: WorkflowDataProcessing}, nil
}

type ReportGenerationParams struct {
	Title      string `json:"title"`
	DataSource string `json:"dataSource"`
	Query      string `json:"query,omitempty"`
	Format     string `json:"format"`
}

type ReportMetadata struct {
	Title       string    `json:"title"`
	DataSource  string    `json:"dataSource"`
	GeneratedAt time.Time `json:"generatedAt"`
	RecordCount int       `json:"recordCount"`
}

type ReportGenerationResult struct {
	Content    string         `json:"content"`
	Format     string         `json:"format"`
	Metadata   ReportMetadata `json:"metadata"`
	WorkflowID string         `json:"workflowId"`
}

// ReportGeneration fetches data from a source and renders it as a report.
func ReportGeneration(ctx workflow.Context, p ReportGenerationParams) (*ReportGenerationResult, error) {
	logger := workflow.GetLogger(ctx)

	var fetched FetchExternalDataResult
	err := workflow.ExecuteActivity(ctx, ActivityFetchExternalData, FetchExternalDataParams{
		Source: p.DataSource,
		Query:  p.Query,
	}).Get(ctx, &fetched)
	if err != nil {
		return nil, err
	}
	logger.Info("fetched report data", "source", p.DataSource, "records", len(fetched.Data.Results))

	var report GenerateReportResult
	err = workflow.ExecuteActivity(ctx, ActivityGenerateReport, GenerateReportParams{
		Title:  p.Title,
		Data:   fetched.Data.asMap(),
		Format: p.Format,
	}).Get(ctx, &report)
	if err != nil {
		return nil, err
	}

	return &ReportGenerationResult{
		Content: report.Content,
		Format:  report.Format,
		Metadata: ReportMetadata{
			Title:       p.Title,
			DataSource:  p.DataSource,
			GeneratedAt: report.GeneratedAt,
			RecordCount: len(fetched.Data.Results),
		},
		WorkflowID: WorkflowReportGeneration,
	}, nil
}

func (d ExternalData) asMap() map[string]any {
	m := map[string]any{"source": d.Source, "results": d.Results}
	if d.Query != "" {
		m["query"] = d.Query
	}
	return m
}

type LongRunningParams struct {
	DataSize       int  `json:"dataSize"`
	ChunkSize      int  `json:"chunkSize"`
	GenerateReport bool `json:"generateReport"`
}

type LongRunningResult struct {
	ProcessedChunks int                   `json:"processedChunks"`
	TotalTime       int64                 `json:"totalTime"`
	Report          *GenerateReportResult `json:"report,omitempty"`
	WorkflowID      string                `json:"workflowId"`
}

// LongRunningProcessing processes a dataset in chunks and optionally
// summarises the run in a markdown report.
func LongRunningProcessing(ctx workflow.Context, p LongRunningParams) (*LongRunningResult, error) {
	var processed ProcessLargeDatasetResult
	err := workflow.ExecuteActivity(ctx, ActivityProcessLargeDataset, ProcessLargeDatasetParams{
		DataSize:  p.DataSize,
		ChunkSize: p.ChunkSize,
	}).Get(ctx, &processed)
	if err != nil {
		return nil, err
	}

	out := &LongRunningResult{
		ProcessedChunks: processed.ProcessedChunks,
		TotalTime:       processed.TotalTime,
		WorkflowID:      WorkflowLongRunningProcessing,
	}
	if !p.GenerateReport {
		return out, nil
	}

	var report GenerateReportResult
	err = workflow.ExecuteActivity(ctx, ActivityGenerateReport, GenerateReportParams{
		Title: "Data Processing Report",
		Data: map[string]any{
			"dataSize":        p.DataSize,
			"chunkSize":       p.ChunkSize,
			"processedChunks": processed.ProcessedChunks,
			"totalTime":       processed.TotalTime,
		},
		Format: FormatMarkdown,
	}).Get(ctx, &report)
	if err != nil {
		return nil, err
	}
	out.Report = &report
	return out, nil
}
