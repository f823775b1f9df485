package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/events"
	"github.com/jordanhubbard/councilhub/internal/store"
)

// streamEvent is one protocol frame sent to message/stream clients. Only
// the fields named by the frame type are populated.
type streamEvent struct {
	Type     string `json:"type"`
	Data     any    `json:"data,omitempty"`
	Count    int    `json:"count,omitempty"`
	Total    int    `json:"total,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
}

// stage2Metadata rides on the stage2_complete frame and is stored with the
// assistant message.
type stage2Metadata struct {
	LabelToModel      map[string]string       `json:"label_to_model"`
	AggregateRankings []council.AggregateRank `json:"aggregate_rankings"`
}

// deliberationRun drives one engine run for a conversation: it translates
// engine events into protocol frames, tracks per-stage timings, persists
// the outcome, and feeds the observability sinks. One instance serves one
// request and is never shared.
type deliberationRun struct {
	d  Dependencies
	rt Runtime

	conv         store.Conversation
	query        string
	webSearch    bool
	firstMessage bool

	// send delivers one frame to the client; nil for the blocking
	// endpoint. A false return marks the client gone.
	send func(streamEvent) bool

	cancel     context.CancelFunc
	clientGone bool

	searchQuery   string
	searchContext string
	stage1        []council.Stage1Result
	stage2        []council.Stage2Result
	stage3        *council.Stage3Result
	labelToModel  map[string]string
	aggregate     []council.AggregateRank

	record store.DeliberationRecord
}

// emit delivers one frame. A rejected frame means the client disconnected;
// the run is cancelled and later frames are dropped, but the event loop
// keeps draining so the engine can wind down.
func (dr *deliberationRun) emit(ev streamEvent) {
	if dr.send == nil || dr.clientGone {
		return
	}
	if !dr.send(ev) {
		dr.clientGone = true
		dr.cancel()
	}
}

// run executes the deliberation to completion or cancellation. It returns
// the stored assistant message, or council.ErrCanceled when the run was
// abandoned before the chairman finished.
func (dr *deliberationRun) run(ctx context.Context) (*store.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dr.cancel = cancel

	dr.d.Metrics.ActiveDeliberations.Inc()
	defer dr.d.Metrics.ActiveDeliberations.Dec()

	start := time.Now()
	dr.record = store.DeliberationRecord{
		ConversationID: dr.conv.ID,
		StartedAt:      start.UTC(),
		CouncilSize:    len(dr.rt.Council.CouncilModels),
		WebSearch:      dr.webSearch,
	}
	dr.d.Bus.Publish(events.Event{
		Type:           events.EventDeliberationStarted,
		ConversationID: dr.conv.ID,
		CouncilSize:    dr.record.CouncilSize,
		WebSearch:      dr.webSearch,
	})

	req := council.Request{
		UserQuery: dr.query,
		WebSearch: dr.webSearch,
		Disconnected: func() bool {
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		},
	}

	var (
		stageStart  time.Time
		stage1Total int
		stage1Count int
		stage2Total int
		stage2Count int
		cancelled   bool
	)

	for ev := range dr.rt.Engine.Deliberate(ctx, dr.rt.Council, req) {
		switch {
		case ev.Kind == council.KindError:
			cancelled = true
			dr.emit(streamEvent{Type: "error", Message: ev.Err})

		case ev.Stage == council.StageSearch && ev.Kind == council.KindMeta:
			stageStart = time.Now()
			dr.emit(streamEvent{Type: "search_start"})

		case ev.Stage == council.StageSearch && ev.Kind == council.KindDone:
			dr.record.SearchMs = time.Since(stageStart).Milliseconds()
			dr.searchQuery, dr.searchContext = ev.SearchQuery, ev.SearchContext
			dr.observeSearch()
			dr.emit(streamEvent{Type: "search_complete", Data: map[string]string{
				"search_query":   ev.SearchQuery,
				"search_context": ev.SearchContext,
			}})

		case ev.Stage == council.Stage1 && ev.Kind == council.KindMeta:
			stageStart = time.Now()
			stage1Total = ev.TotalModels
			dr.emit(streamEvent{Type: "stage1_start"})
			dr.emit(streamEvent{Type: "stage1_init", Total: stage1Total})

		case ev.Stage == council.Stage1 && ev.Kind == council.KindResult:
			stage1Count++
			dr.emit(streamEvent{Type: "stage1_progress", Data: ev.Stage1, Count: stage1Count, Total: stage1Total})

		case ev.Stage == council.Stage1 && ev.Kind == council.KindDone:
			dr.record.Stage1Ms = time.Since(stageStart).Milliseconds()
			dr.stage1 = ev.Stage1All
			dr.observeStage("stage1", dr.record.Stage1Ms)
			dr.emit(streamEvent{Type: "stage1_complete", Data: ev.Stage1All})

		case ev.Stage == council.Stage2 && ev.Kind == council.KindMeta:
			stageStart = time.Now()
			stage2Total = len(ev.LabelToModel)
			dr.emit(streamEvent{Type: "stage2_start"})
			dr.emit(streamEvent{Type: "stage2_init", Total: stage2Total})

		case ev.Stage == council.Stage2 && ev.Kind == council.KindResult:
			stage2Count++
			dr.emit(streamEvent{Type: "stage2_progress", Data: ev.Stage2, Count: stage2Count, Total: stage2Total})

		case ev.Stage == council.Stage2 && ev.Kind == council.KindDone:
			dr.record.Stage2Ms = time.Since(stageStart).Milliseconds()
			dr.stage2, dr.labelToModel, dr.aggregate = ev.Stage2All, ev.LabelToModel, ev.Aggregate
			dr.observeStage("stage2", dr.record.Stage2Ms)
			dr.emit(streamEvent{Type: "stage2_complete", Data: ev.Stage2All, Metadata: stage2Metadata{
				LabelToModel:      ev.LabelToModel,
				AggregateRankings: ev.Aggregate,
			}})

		case ev.Stage == council.Stage3 && ev.Kind == council.KindMeta:
			stageStart = time.Now()
			dr.emit(streamEvent{Type: "stage3_start"})

		case ev.Stage == council.Stage3 && ev.Kind == council.KindResult:
			dr.stage3 = ev.Stage3
			dr.emit(streamEvent{Type: "stage3_complete", Data: ev.Stage3})

		case ev.Stage == council.Stage3 && ev.Kind == council.KindDone:
			dr.record.Stage3Ms = time.Since(stageStart).Milliseconds()
			dr.observeStage("stage3", dr.record.Stage3Ms)
		}
	}

	dr.record.TotalMs = time.Since(start).Milliseconds()

	if cancelled || dr.clientGone || dr.stage3 == nil {
		dr.finishCancelled()
		return nil, council.ErrCanceled
	}
	return dr.finishComplete()
}

// finishCancelled logs the aborted run. The user message stays; no
// assistant message is stored for a run the client walked away from.
func (dr *deliberationRun) finishCancelled() {
	dr.record.Cancelled = true
	dr.d.Metrics.DeliberationsTotal.WithLabelValues("cancelled").Inc()
	dr.d.Bus.Publish(events.Event{
		Type:           events.EventDeliberationCancelled,
		ConversationID: dr.conv.ID,
		DurationMs:     float64(dr.record.TotalMs),
	})

	// The request context is typically dead by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	warnOnErr("log_deliberation", dr.d.Store.LogDeliberation(ctx, dr.record))
}

func (dr *deliberationRun) finishComplete() (*store.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := store.Message{
		ConversationID: dr.conv.ID,
		Role:           "assistant",
		Content:        dr.stage3.Response,
		Stage1:         dr.stage1,
		Stage2:         dr.stage2,
		Stage3:         dr.stage3,
		Metadata: &store.MessageMetadata{
			LabelToModel:      dr.labelToModel,
			AggregateRankings: dr.aggregate,
			SearchQuery:       dr.searchQuery,
			WebSearchUsed:     dr.webSearch,
		},
		CreatedAt: time.Now().UTC(),
	}
	id, err := dr.d.Store.AddMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.ID = id

	if dr.firstMessage {
		title := council.Title(dr.query)
		warnOnErr("set_title", dr.d.Store.SetConversationTitle(ctx, dr.conv.ID, title))
		dr.emit(streamEvent{Type: "title_complete", Title: title})
	}

	dr.d.Metrics.DeliberationsTotal.WithLabelValues("completed").Inc()
	dr.d.Bus.Publish(events.Event{
		Type:           events.EventDeliberationFinished,
		ConversationID: dr.conv.ID,
		CouncilSize:    dr.record.CouncilSize,
		WebSearch:      dr.record.WebSearch,
		DurationMs:     float64(dr.record.TotalMs),
	})
	warnOnErr("log_deliberation", dr.d.Store.LogDeliberation(ctx, dr.record))

	dr.emit(streamEvent{Type: "complete"})
	return &msg, nil
}

func (dr *deliberationRun) observeStage(stage string, ms int64) {
	dr.d.Metrics.StageDuration.WithLabelValues(stage).Observe(float64(ms) / 1000)
	dr.d.Bus.Publish(events.Event{
		Type:           events.EventStageComplete,
		ConversationID: dr.conv.ID,
		Stage:          stage,
		DurationMs:     float64(ms),
	})
}

// observeSearch classifies the search outcome from the context text: the
// search layer degrades failures into bracketed system notes instead of
// returning errors.
func (dr *deliberationRun) observeSearch() {
	outcome := "ok"
	if strings.HasPrefix(dr.searchContext, "[System Note") {
		outcome = "degraded"
	}
	dr.d.Metrics.SearchesTotal.WithLabelValues(dr.rt.SearchProvider, outcome).Inc()
	dr.d.Bus.Publish(events.Event{
		Type:           events.EventSearchPerformed,
		ConversationID: dr.conv.ID,
		SearchProvider: dr.rt.SearchProvider,
		Query:          dr.searchQuery,
	})
}
