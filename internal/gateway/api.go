package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/host"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/reconcile"
)

const (
	maxEventBody  = 1 << 20
	maxUploadSize = 32 << 20

	defaultConversationName = "New Conversation"
)

// handleTaskEvent is the webhook ingress for host task updates. The body goes
// straight to the reconciler; its error taxonomy maps onto HTTP status codes
// here and nowhere else.
func (s *Server) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	snapshot, err := s.cfg.Reconciler.ReconcileRaw(r.Context(), raw)
	switch {
	case errors.Is(err, reconcile.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrStore):
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createConversation(w, r)
	case http.MethodGet:
		convs, err := s.cfg.Store.ListConversations(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if convs == nil {
			convs = []persistence.Conversation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// createConversation opens a conversation context on the host, then stores it
// locally and broadcasts. Host naming is advisory: an explicit client name
// wins, then the host's suggestion, then a default. A host failure does not
// block creation; the relay owns conversations.
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	name := strings.TrimSpace(body.Name)
	if s.cfg.Host != nil {
		res := s.cfg.Host.CreateConversation(r.Context())
		switch {
		case res.Err != nil:
			s.cfg.Logger.Warn("host conversation create unreachable", "error", res.Err)
		case !res.OK:
			s.cfg.Logger.Warn("host conversation create rejected", "status", res.Status)
		default:
			if name == "" {
				if decoded, ok := res.Decoded.(map[string]any); ok {
					if suggested, ok := decoded["name"].(string); ok {
						name = suggested
					}
				}
			}
		}
	}
	if name == "" {
		name = defaultConversationName
	}

	conv, err := s.cfg.Store.CreateConversation(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(r.Context(), bus.TopicConversationCreated, conv)
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}

	if sub == "messages" {
		s.handleConversationMessages(w, r, id)
		return
	}
	if sub != "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getConversationDetail(w, r, id)
	case http.MethodDelete:
		err := s.cfg.Store.DeleteConversation(r.Context(), id)
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getConversationDetail(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := s.cfg.Store.GetConversation(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	messages, err := s.cfg.Store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []persistence.Message{}
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
		"tasks":        tasks,
	})
}

// handleConversationMessages stores an inbound user message, broadcasts it,
// and forwards it to the host. The message is durable and visible to viewers
// even when the relay to the host fails; the response says which it was.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		messages, err := s.cfg.Store.ListMessages(r.Context(), conversationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if messages == nil {
			messages = []persistence.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	case http.MethodPost:
		s.createMessage(w, r, conversationID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	var body struct {
		Content any    `json:"content"`
		TaskID  string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Content == nil {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if _, err := s.cfg.Store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg, err := s.cfg.Store.CreateMessage(r.Context(), conversationID, body.TaskID, persistence.RoleUser, body.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(r.Context(), bus.TopicNewMessage, msg)

	payload := map[string]any{"message": msg}
	status := http.StatusCreated
	if s.cfg.Host != nil {
		res := s.cfg.Host.RelayMessage(r.Context(), host.RelayedMessage{
			MessageID: msg.ID,
			ContextID: conversationID,
			Role:      msg.Role,
			Parts:     msg.Content,
			TaskID:    msg.TaskID,
		})
		switch {
		case res.Err != nil:
			payload["relay_error"] = res.Err.Error()
			status = http.StatusBadGateway
		case !res.OK:
			payload["relay_status"] = res.Status
			payload["relay_body"] = string(res.Body)
			status = http.StatusBadGateway
		default:
			payload["relay"] = res.Decoded
		}
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.cfg.Store.ListAgents(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if agents == nil {
			agents = []persistence.Agent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	case http.MethodPost:
		s.registerAgent(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// registerAgent announces an agent URL to the host, then records it. The host
// may enrich the registration with name, description, and icon.
func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	agentURL := strings.TrimSpace(body.URL)

	var name, description, icon string
	if s.cfg.Host != nil {
		res := s.cfg.Host.RegisterAgent(r.Context(), agentURL)
		switch {
		case res.Err != nil:
			writeError(w, http.StatusBadGateway, "host unreachable: "+res.Err.Error())
			return
		case !res.OK:
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":       "host rejected registration",
				"host_status": res.Status,
				"host_body":   string(res.Body),
			})
			return
		}
		if decoded, ok := res.Decoded.(map[string]any); ok {
			name, _ = decoded["name"].(string)
			description, _ = decoded["description"].(string)
			icon, _ = decoded["icon"].(string)
		}
	}

	agent, err := s.cfg.Store.CreateAgent(r.Context(), agentURL, name, description, icon)
	if errors.Is(err, persistence.ErrAgentExists) {
		writeError(w, http.StatusConflict, "agent url already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(r.Context(), bus.TopicAgentRegistered, agent)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	limit := s.cfg.MaxUploadBytes
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read upload: "+err.Error())
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}
	blob, err := s.cfg.Store.SaveFile(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, blob)
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id required")
		return
	}
	blob, err := s.cfg.Store.GetFile(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", blob.MimeType)
	_, _ = w.Write(blob.Data)
}

// handleKeyUpdate swaps the host API key at runtime. The new key applies to
// the next outbound call. Any string is accepted; an empty key clears the
// credential, so later calls go out without the auth header.
func (s *Server) handleKeyUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if s.cfg.Host == nil {
		writeError(w, http.StatusServiceUnavailable, "host gateway not configured")
		return
	}
	s.cfg.Host.Keys().Set(body.APIKey)
	w.WriteHeader(http.StatusNoContent)
}
