// Package crawl defines core types shared across subsystems.
package crawl

import (
	"errors"
	"time"
)

// ExecutionStatus represents the lifecycle state of a crawl execution.
type ExecutionStatus string

// Execution status values persisted in the registry.
const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ErrNotFound is returned by registries when an execution id is unknown.
var ErrNotFound = errors.New("execution not found")

// Domain describes one site the crawler binary should visit.
type Domain struct {
	URL         string   `json:"url" yaml:"url" mapstructure:"url"`
	SeedURLs    []string `json:"seed_urls,omitempty" yaml:"seed_urls,omitempty" mapstructure:"seed_urls"`
	SitemapURLs []string `json:"sitemap_urls,omitempty" yaml:"sitemap_urls,omitempty" mapstructure:"sitemap_urls"`
}

// Request is the crawl configuration accepted over the API. Optional fields
// use pointers so that absent values are left out of the generated config
// file instead of overriding the crawler binary's own defaults.
type Request struct {
	Domains            []Domain         `json:"domains" mapstructure:"domains"`
	OutputIndex        string           `json:"output_index" mapstructure:"output_index"`
	CrawlRules         []map[string]any `json:"crawl_rules,omitempty" mapstructure:"crawl_rules"`
	ExtractionRules    []map[string]any `json:"extraction_rules,omitempty" mapstructure:"extraction_rules"`
	MaxCrawlDepth      *int             `json:"max_crawl_depth,omitempty" mapstructure:"max_crawl_depth"`
	MaxDurationSeconds *int             `json:"max_duration_seconds,omitempty" mapstructure:"max_duration_seconds"`
	MaxURLLength       *int             `json:"max_url_length,omitempty" mapstructure:"max_url_length"`
	UserAgent          *string          `json:"user_agent,omitempty" mapstructure:"user_agent"`
}

// Stats carries the summary lines extracted from the crawler's output.
// Values are kept as the raw text the binary printed.
type Stats struct {
	PagesVisited     string `json:"pages_visited,omitempty"`
	DocumentsIndexed string `json:"documents_indexed,omitempty"`
	DurationSeconds  string `json:"duration_seconds,omitempty"`
}

// Empty reports whether no stat line was found in the output.
func (s Stats) Empty() bool {
	return s.PagesVisited == "" && s.DocumentsIndexed == "" && s.DurationSeconds == ""
}

// Result is the sanitized crawl summary returned to clients. It never
// carries Elasticsearch credentials or the full subprocess output.
type Result struct {
	Status         string   `json:"status"`
	ReturnCode     int      `json:"return_code"`
	OutputIndex    string   `json:"output_index"`
	DomainsCrawled []string `json:"domains_crawled"`
	Stats          *Stats   `json:"stats,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

// Result status values.
const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

// Execution is the registry record for one submitted crawl.
type Execution struct {
	ID        string          `json:"id"`
	Status    ExecutionStatus `json:"status"`
	Submitted time.Time       `json:"submitted_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
	Request   Request         `json:"request"`
	Result    *Result         `json:"result,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`
}

// ExecutionItem is the unit of work placed on the queue.
type ExecutionItem struct {
	ExecutionID string
	Request     Request
	Submitted   int64
}

// Notification is the completion event published for consumers.
type Notification struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	OutputIndex string          `json:"output_index"`
}
