package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jordanhubbard/councilhub/internal/store"
)

// ConversationsListHandler returns every conversation, newest first, with
// message counts but no message bodies.
func ConversationsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Store.ListConversations(r.Context())
		if err != nil {
			jsonError(w, "list conversations: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ConversationCreateHandler creates an empty conversation. The title stays
// "New Conversation" until the first message names it.
func ConversationCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		c := store.Conversation{
			ID:        uuid.NewString(),
			Title:     "New Conversation",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.Store.CreateConversation(r.Context(), c); err != nil {
			jsonError(w, "create conversation: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// conversationDetail is a conversation with its full message history.
type conversationDetail struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

func ConversationGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conv, err := d.Store.GetConversation(r.Context(), id)
		if err != nil {
			jsonError(w, "load conversation: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if conv == nil {
			jsonError(w, "conversation not found", http.StatusNotFound)
			return
		}
		msgs, err := d.Store.ListMessages(r.Context(), id)
		if err != nil {
			jsonError(w, "load messages: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, conversationDetail{Conversation: *conv, Messages: msgs})
	}
}

func ConversationDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conv, err := d.Store.GetConversation(r.Context(), id)
		if err != nil {
			jsonError(w, "load conversation: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if conv == nil {
			jsonError(w, "conversation not found", http.StatusNotFound)
			return
		}
		if err := d.Store.DeleteConversation(r.Context(), id); err != nil {
			jsonError(w, "delete conversation: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
