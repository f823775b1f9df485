package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/councilhub/internal/council"
	"github.com/jordanhubbard/councilhub/internal/store"
)

// messageRequest is the body of both message endpoints.
type messageRequest struct {
	Content   string `json:"content"`
	WebSearch bool   `json:"web_search"`
}

// prepareRun validates the request, persists the user message, and
// assembles the runner. On failure the response is already written and
// nil is returned.
func prepareRun(w http.ResponseWriter, r *http.Request, d Dependencies) *deliberationRun {
	id := chi.URLParam(r, "id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "bad json", http.StatusBadRequest)
		return nil
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		jsonError(w, "content required", http.StatusBadRequest)
		return nil
	}

	conv, err := d.Store.GetConversation(r.Context(), id)
	if err != nil {
		jsonError(w, "load conversation: "+err.Error(), http.StatusInternalServerError)
		return nil
	}
	if conv == nil {
		jsonError(w, "conversation not found", http.StatusNotFound)
		return nil
	}

	existing, err := d.Store.ListMessages(r.Context(), id)
	if err != nil {
		jsonError(w, "load messages: "+err.Error(), http.StatusInternalServerError)
		return nil
	}

	if _, err := d.Store.AddMessage(r.Context(), store.Message{
		ConversationID: id,
		Role:           "user",
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		jsonError(w, "store message: "+err.Error(), http.StatusInternalServerError)
		return nil
	}

	return &deliberationRun{
		d:            d,
		rt:           d.Runtime(),
		conv:         *conv,
		query:        req.Content,
		webSearch:    req.WebSearch,
		firstMessage: len(existing) == 0,
	}
}

// MessageHandler runs a full deliberation and answers with the stored
// assistant message once the chairman finishes. Closing the connection
// cancels the run within one engine tick.
func MessageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dr := prepareRun(w, r, d)
		if dr == nil {
			return
		}
		msg, err := dr.run(r.Context())
		if err != nil {
			if errors.Is(err, council.ErrCanceled) {
				// The client is gone; nothing left to answer.
				return
			}
			jsonError(w, "store result: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// MessageStreamHandler runs a deliberation and streams progress frames
// as `data: {json}` SSE lines. A client disconnect mid-stream cancels
// the run.
func MessageStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := newSSEConn(w)
		if !ok {
			jsonError(w, "response writer does not support streaming", http.StatusInternalServerError)
			return
		}
		dr := prepareRun(w, r, d)
		if dr == nil {
			return
		}

		conn.start()
		dr.send = func(ev streamEvent) bool {
			payload, err := json.Marshal(ev)
			if err != nil {
				// Skip the frame rather than kill the run.
				return true
			}
			return conn.emit("", string(payload))
		}

		// The stream already carried every outcome, error frames included.
		_, _ = dr.run(r.Context())
	}
}
