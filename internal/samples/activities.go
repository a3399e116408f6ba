package samples

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/activity"
	"github.com/rendis/loom/pkg/schema"
)

// Operations understood by processData.
const (
	OpUppercase = "uppercase"
	OpLowercase = "lowercase"
	OpReverse   = "reverse"
	OpWordCount = "wordcount"
)

// Report formats understood by generateReport.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

type ProcessDataParams struct {
	InputData string `json:"inputData"`
	Operation string `json:"operation"`
}

type ProcessMetadata struct {
	Operation    string    `json:"operation"`
	InputLength  int       `json:"inputLength"`
	OutputLength int       `json:"outputLength"`
	ProcessedAt  time.Time `json:"processedAt"`
}

type ProcessDataResult struct {
	Result   string          `json:"result"`
	Metadata ProcessMetadata `json:"metadata"`
}

type GenerateReportParams struct {
	Title  string         `json:"title"`
	Data   map[string]any `json:"data"`
	Format string         `json:"format"`
}

type GenerateReportResult struct {
	Content     string    `json:"content"`
	Format      string    `json:"format"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type ProcessLargeDatasetParams struct {
	DataSize  int `json:"dataSize"`
	ChunkSize int `json:"chunkSize"`
}

type ProcessLargeDatasetResult struct {
	ProcessedChunks int `json:"processedChunks"`
	// TotalTime is in milliseconds.
	TotalTime int64 `json:"totalTime"`
}

type FetchExternalDataParams struct {
	Source string `json:"source"`
	// Query is an expr predicate evaluated against each record, e.g.
	// `id > 1 && value contains "data"`.
	Query string `json:"query,omitempty"`
}

type ExternalData struct {
	Source  string           `json:"source"`
	Query   string           `json:"query,omitempty"`
	Results []map[string]any `json:"results"`
}

type FetchExternalDataResult struct {
	Data      ExternalData `json:"data"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// DataSource returns the records published by a named source.
type DataSource interface {
	Records(ctx context.Context, source string) ([]map[string]any, error)
}

// StaticSource serves the same records for every source name.
type StaticSource []map[string]any

func (s StaticSource) Records(context.Context, string) ([]map[string]any, error) {
	out := make([]map[string]any, len(s))
	copy(out, s)
	return out, nil
}

// SampleRecords is the default data served by fetchExternalData.
var SampleRecords = StaticSource{
	{"id": 1, "value": "Sample data 1"},
	{"id": 2, "value": "Sample data 2"},
	{"id": 3, "value": "Sample data 3"},
}

// Activities implements the sample activity types.
type Activities struct {
	Source DataSource
	Expr   *expressions.ExprEngine
	// ChunkDelay is the simulated cost of one processLargeDataset chunk.
	ChunkDelay time.Duration
	// FetchDelay is the simulated latency of fetchExternalData.
	FetchDelay time.Duration
	Now        func() time.Time
}

// NewActivities returns Activities serving SampleRecords with the original
// simulated delays.
func NewActivities() *Activities {
	return &Activities{
		Source:     SampleRecords,
		Expr:       expressions.NewExprEngine(),
		ChunkDelay: 100 * time.Millisecond,
		FetchDelay: 500 * time.Millisecond,
		Now:        time.Now,
	}
}

func (a *Activities) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now().UTC()
}

// ProcessData transforms a string.
func (a *Activities) ProcessData(_ context.Context, p ProcessDataParams) (*ProcessDataResult, error) {
	var result string
	switch p.Operation {
	case OpUppercase:
		result = strings.ToUpper(p.InputData)
	case OpLowercase:
		result = strings.ToLower(p.InputData)
	case OpReverse:
		runes := []rune(p.InputData)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		result = string(runes)
	case OpWordCount:
		result = fmt.Sprintf("Word count: %d", len(strings.Fields(p.InputData)))
	default:
		return nil, schema.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown operation: %s", p.Operation), "UnknownOperation", nil)
	}
	return &ProcessDataResult{
		Result: result,
		Metadata: ProcessMetadata{
			Operation:    p.Operation,
			InputLength:  utf8.RuneCountInString(p.InputData),
			OutputLength: utf8.RuneCountInString(result),
			ProcessedAt:  a.now(),
		},
	}, nil
}

// GenerateReport renders data as a markdown or JSON document.
func (a *Activities) GenerateReport(_ context.Context, p GenerateReportParams) (*GenerateReportResult, error) {
	generatedAt := a.now()
	var content string
	switch p.Format {
	case FormatMarkdown:
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", p.Title)
		fmt.Fprintf(&b, "*Generated at: %s*\n\n", generatedAt.Format(time.RFC3339))
		b.WriteString("## Data\n\n")
		// encoding/json sorts map keys, so the listing is stable.
		keys, err := sortedKeys(p.Data)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			value, err := json.MarshalIndent(p.Data[k], "", "  ")
			if err != nil {
				return nil, schema.NewNonRetryableApplicationError("report data is not JSON", "InvalidReportData", nil)
			}
			fmt.Fprintf(&b, "- **%s**: %s\n", k, value)
		}
		content = b.String()
	case FormatJSON:
		doc, err := json.MarshalIndent(map[string]any{
			"title":       p.Title,
			"generatedAt": generatedAt,
			"data":        p.Data,
		}, "", "  ")
		if err != nil {
			return nil, schema.NewNonRetryableApplicationError("report data is not JSON", "InvalidReportData", nil)
		}
		content = string(doc)
	default:
		return nil, schema.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown report format: %s", p.Format), "UnknownFormat", nil)
	}
	return &GenerateReportResult{Content: content, Format: p.Format, GeneratedAt: generatedAt}, nil
}

func sortedKeys(m map[string]any) ([]string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, schema.NewNonRetryableApplicationError("report data is not JSON", "InvalidReportData", nil)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	var keys []string
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ProcessLargeDataset works through the dataset chunk by chunk, heartbeating
// after each one. A retried attempt resumes after the last reported chunk.
func (a *Activities) ProcessLargeDataset(ctx context.Context, p ProcessLargeDatasetParams) (*ProcessLargeDatasetResult, error) {
	if p.ChunkSize <= 0 || p.DataSize < 0 {
		return nil, schema.NewNonRetryableApplicationError("chunkSize must be positive and dataSize non-negative", "InvalidDatasetParams", nil)
	}
	chunks := int(math.Ceil(float64(p.DataSize) / float64(p.ChunkSize)))
	started := time.Now()

	next := 0
	if activity.HasHeartbeatDetails(ctx) {
		if err := activity.GetHeartbeatDetails(ctx, &next); err != nil {
			return nil, err
		}
		activity.GetLogger(ctx).InfoContext(ctx, "resuming dataset processing", "from_chunk", next, "chunks", chunks)
	}
	for i := next; i < chunks; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.ChunkDelay):
		}
		if err := activity.RecordHeartbeat(ctx, i+1); err != nil {
			return nil, err
		}
	}
	return &ProcessLargeDatasetResult{
		ProcessedChunks: chunks,
		TotalTime:       time.Since(started).Milliseconds(),
	}, nil
}

// FetchExternalData reads a source and keeps the records matching the
// optional query.
func (a *Activities) FetchExternalData(ctx context.Context, p FetchExternalDataParams) (*FetchExternalDataResult, error) {
	if a.FetchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.FetchDelay):
		}
	}
	records, err := a.Source.Records(ctx, p.Source)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", p.Source, err)
	}
	if p.Query != "" {
		records, err = a.Expr.Filter(ctx, p.Query, records)
		if err != nil {
			return nil, schema.NewNonRetryableApplicationError(err.Error(), "InvalidQuery", nil)
		}
	}
	return &FetchExternalDataResult{
		Data:      ExternalData{Source: p.Source, Query: p.Query, Results: records},
		FetchedAt: a.now(),
	}, nil
}
