// Package council implements the three-stage deliberation protocol: fan a
// question out to a council of models, have each successful member rank the
// anonymised peer answers, and ask a chairman model to synthesise the final
// response. Progress is surfaced as a pull-driven event stream.
package council

import (
	"time"

	"github.com/jordanhubbard/councilhub/internal/providers"
)

// Stage identifies which phase of a deliberation an event belongs to.
type Stage string

const (
	StageSearch Stage = "search"
	Stage1      Stage = "stage1"
	Stage2      Stage = "stage2"
	Stage3      Stage = "stage3"
)

// EventKind discriminates the payload of a stream event. Each stage emits
// exactly one meta, one result per model outcome, and a terminal done; an
// error event ends the whole stream.
type EventKind string

const (
	KindMeta   EventKind = "meta"
	KindResult EventKind = "result"
	KindError  EventKind = "error"
	KindDone   EventKind = "done"
)

// Stage1Result is one council member's answer to the user's question.
// Response is meaningful only when Error is false.
type Stage1Result struct {
	Model        string `json:"model"`
	Response     string `json:"response"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Stage2Result is one council member's ranking of the anonymised peers.
// Ranking holds the raw model output; ParsedRanking the extracted labels,
// empty when the member failed or its output was unparsable.
type Stage2Result struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
	Error         bool     `json:"error"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// Stage3Result is the chairman's synthesis. A failed synthesis still
// produces a structured record: Response carries an error notice and
// Error is set.
type Stage3Result struct {
	Model        string `json:"model"`
	Response     string `json:"response"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AggregateRank is one model's consensus position across all peer rankings.
type AggregateRank struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Event is one element of the deliberation progress stream. Which fields
// are populated depends on Stage and Kind; everything else is zero.
type Event struct {
	Stage Stage     `json:"stage"`
	Kind  EventKind `json:"kind"`

	// Meta payloads.
	TotalModels  int               `json:"total_models,omitempty"`
	LabelToModel map[string]string `json:"label_to_model,omitempty"`

	// Result payloads.
	Stage1 *Stage1Result `json:"stage1,omitempty"`
	Stage2 *Stage2Result `json:"stage2,omitempty"`
	Stage3 *Stage3Result `json:"stage3,omitempty"`

	// Done payloads: the stage's accumulated results, and for stage 2 the
	// consensus ordering alongside the label map.
	Stage1All []Stage1Result  `json:"stage1_all,omitempty"`
	Stage2All []Stage2Result  `json:"stage2_all,omitempty"`
	Aggregate []AggregateRank `json:"aggregate,omitempty"`

	// Search payloads.
	SearchQuery   string `json:"search_query,omitempty"`
	SearchContext string `json:"search_context,omitempty"`

	// Error payload.
	Err string `json:"err,omitempty"`
}

// Config is the resolved per-request configuration the engine consumes.
// Zero-value fields fall back to the package defaults.
type Config struct {
	CouncilModels    []string
	ChairmanModel    string
	SearchQueryModel string

	Stage1Prompt      string
	Stage2Prompt      string
	Stage3Prompt      string
	SearchQueryPrompt string

	Stage1Temperature float64
	Stage2Temperature float64
	Stage3Temperature float64

	QueryTimeout time.Duration
}

// DefaultTemperature is used for every stage unless overridden.
const DefaultTemperature = 0.7

func (c Config) withDefaults() Config {
	if c.Stage1Prompt == "" {
		c.Stage1Prompt = DefaultStage1Prompt
	}
	if c.Stage2Prompt == "" {
		c.Stage2Prompt = DefaultStage2Prompt
	}
	if c.Stage3Prompt == "" {
		c.Stage3Prompt = DefaultStage3Prompt
	}
	if c.SearchQueryPrompt == "" {
		c.SearchQueryPrompt = DefaultSearchQueryPrompt
	}
	if c.Stage1Temperature <= 0 {
		c.Stage1Temperature = DefaultTemperature
	}
	if c.Stage2Temperature <= 0 {
		c.Stage2Temperature = DefaultTemperature
	}
	if c.Stage3Temperature <= 0 {
		c.Stage3Temperature = DefaultTemperature
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = providers.DefaultQueryTimeout
	}
	return c
}

// Request is one deliberation ask.
type Request struct {
	UserQuery string
	WebSearch bool

	// Disconnected, when set, is polled once per tick as an additional
	// abandon signal beyond context cancellation.
	Disconnected func() bool
}
