// Package server exposes the memory engine over HTTP: the REST management
// surface, the inlet/outlet host hook, and a websocket feed of memory
// lifecycle events.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/recallhq/recall/memory"
)

// Server wires HTTP handlers to the engine.
type Server struct {
	engine *memory.Engine
	hook   *Hook
	log    *slog.Logger
}

// New creates the HTTP server front end.
func New(engine *memory.Engine, cfg *memory.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		hook:   NewHook(engine, cfg, logger),
		log:    logger,
	}
}

// Hook returns the inlet/outlet adapter for in-process hosts.
func (s *Server) Hook() *Hook {
	return s.hook
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/memory/remember", s.handleRemember)
	mux.HandleFunc("POST /api/memory/retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /api/memory/forget", s.handleForget)
	mux.HandleFunc("POST /api/learning/process_interaction", s.handleProcessInteraction)
	mux.HandleFunc("GET /api/memory/stats", s.handleStats)
	mux.HandleFunc("GET /api/memory/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

type rememberRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

type rememberResponse struct {
	Status        string `json:"status"`
	EntryID       string `json:"entry_id"`
	TotalMemories int    `json:"total_memories"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !decode(w, r, &req) {
		return
	}

	entry, created, stats, err := s.engine.Remember(r.Context(), req.UserID, req.Content, memory.Source(req.Source))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := "stored"
	if !created {
		status = "exists"
	}
	writeJSON(w, http.StatusOK, rememberResponse{
		Status:        status,
		EntryID:       entry.ID,
		TotalMemories: stats.LongTerm,
	})
}

type retrieveRequest struct {
	UserID    string   `json:"user_id"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type retrieveMemory struct {
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

type retrieveResponse struct {
	Memories []retrieveMemory `json:"memories"`
	Count    int              `json:"count"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, memory.ErrInvalidUserID.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	threshold := -1.0
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	results, err := s.engine.Retrieve(r.Context(), req.UserID, req.Query, req.Limit, threshold)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	memories := make([]retrieveMemory, 0, len(results))
	for _, res := range results {
		memories = append(memories, retrieveMemory{Content: res.Content, RelevanceScore: res.Score})
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Memories: memories, Count: len(memories)})
}

type forgetRequest struct {
	UserID      string `json:"user_id"`
	ForgetQuery string `json:"forget_query"`
}

type forgetResponse struct {
	RemovedCount  int `json:"removed_count"`
	TotalMemories int `json:"total_memories"`
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if !decode(w, r, &req) {
		return
	}

	removed, stats, err := s.engine.Forget(r.Context(), req.UserID, req.ForgetQuery)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forgetResponse{
		RemovedCount:  removed,
		TotalMemories: stats.LongTerm,
	})
}

type processInteractionRequest struct {
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id,omitempty"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response,omitempty"`
}

type processInteractionResponse struct {
	Status        string `json:"status"`
	MemoriesCount int    `json:"memories_count"`
}

func (s *Server) handleProcessInteraction(w http.ResponseWriter, r *http.Request) {
	var req processInteractionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, memory.ErrInvalidUserID.Error())
		return
	}
	if req.UserMessage == "" {
		writeError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	outcome := s.engine.Ingest(r.Context(), memory.Interaction{
		UserID:            req.UserID,
		ConversationID:    req.ConversationID,
		UserMessage:       req.UserMessage,
		AssistantResponse: req.AssistantResponse,
	})
	writeJSON(w, http.StatusOK, processInteractionResponse{
		Status:        "ok",
		MemoriesCount: len(outcome.Stored),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrInvalidUserID), errors.Is(err, memory.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		// Dependency failure on the management API. The chat path never
		// sees these; the hook degrades instead.
		s.log.Error("engine operation failed", "error", err)
		writeError(w, http.StatusBadGateway, "memory backend unavailable")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
