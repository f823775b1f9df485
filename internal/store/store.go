package store

import (
	"context"
	"time"

	"github.com/jordanhubbard/councilhub/internal/council"
)

// Store defines the persistence interface for councilhub.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, c Conversation) error
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SetConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	AddMessage(ctx context.Context, m Message) (int64, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// Settings overrides (field name -> JSON value, secrets sealed)
	SaveSettings(ctx context.Context, values map[string]string) error
	LoadSettings(ctx context.Context) (map[string]string, error)

	// Vault salt persistence
	SaveVaultSalt(ctx context.Context, salt []byte) error
	LoadVaultSalt(ctx context.Context) ([]byte, error)

	// Deliberation log (for the stats page)
	LogDeliberation(ctx context.Context, d DeliberationRecord) error
	ListDeliberations(ctx context.Context, limit int, offset int) ([]DeliberationRecord, error)
	DeliberationStats(ctx context.Context) (DeliberationStats, error)

	// Migrate applies the schema; Close releases the handle.
	Migrate(ctx context.Context) error
	Close() error
}

// Conversation is one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is the list form of a conversation: metadata plus a
// message count, no message bodies.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is one conversation turn. Assistant messages carry the full
// deliberation record alongside the final synthesised content.
type Message struct {
	ID             int64                  `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	Stage1         []council.Stage1Result `json:"stage1,omitempty"`
	Stage2         []council.Stage2Result `json:"stage2,omitempty"`
	Stage3         *council.Stage3Result  `json:"stage3,omitempty"`
	Metadata       *MessageMetadata       `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// MessageMetadata is the deliberation context rendered next to an
// assistant message.
type MessageMetadata struct {
	LabelToModel      map[string]string       `json:"label_to_model,omitempty"`
	AggregateRankings []council.AggregateRank `json:"aggregate_rankings,omitempty"`
	SearchQuery       string                  `json:"search_query,omitempty"`
	WebSearchUsed     bool                    `json:"web_search_used,omitempty"`
}

// DeliberationRecord captures one engine run.
type DeliberationRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	SearchMs       int64     `json:"search_ms"`
	Stage1Ms       int64     `json:"stage1_ms"`
	Stage2Ms       int64     `json:"stage2_ms"`
	Stage3Ms       int64     `json:"stage3_ms"`
	TotalMs        int64     `json:"total_ms"`
	CouncilSize    int       `json:"council_size"`
	WebSearch      bool      `json:"web_search"`
	Cancelled      bool      `json:"cancelled"`
}

// DeliberationStats aggregates the deliberation log.
type DeliberationStats struct {
	TotalRuns   int64   `json:"total_runs"`
	Cancelled   int64   `json:"cancelled"`
	WebSearches int64   `json:"web_searches"`
	AvgTotalMs  float64 `json:"avg_total_ms"`
	AvgStage1Ms float64 `json:"avg_stage1_ms"`
	AvgStage2Ms float64 `json:"avg_stage2_ms"`
	AvgStage3Ms float64 `json:"avg_stage3_ms"`
}
