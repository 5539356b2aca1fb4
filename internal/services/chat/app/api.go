package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

const maxAPIBodyBytes = 64 * 1024

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	Connections int64  `json:"connections"`
}

type wireRoom struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	VoiceEnabled bool   `json:"voiceEnabled"`
	MaxUsers     int    `json:"maxUsers"`
	UserCount    int    `json:"userCount"`
}

type postMessageRequest struct {
	RoomID   string          `json:"roomId"`
	UserID   string          `json:"userId"`
	Content  string          `json:"content"`
	Type     string          `json:"type,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// registerAPIRoutes mounts the read-mostly REST surface next to /ws. The
// POST message route exists for clients without a persistent connection and
// mirrors the chat frame's store-then-broadcast behavior.
func registerAPIRoutes(mux *http.ServeMux, deps *wsDeps) {
	startedAt := time.Now()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Uptime:      int64(time.Since(startedAt).Seconds()),
			Connections: deps.connections.Load(),
		})
	})

	mux.HandleFunc("GET /api/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms, err := deps.store.Rooms(r.Context())
		if err != nil {
			log.Printf("chat: list rooms: %v", err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list rooms")
			return
		}
		wire := make([]wireRoom, 0, len(rooms))
		for _, room := range rooms {
			wire = append(wire, toWireRoom(room))
		}
		writeJSON(w, http.StatusOK, wire)
	})

	mux.HandleFunc("GET /api/chat/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("roomID")
		room, ok, err := deps.store.Room(r.Context(), roomID)
		if err != nil {
			log.Printf("chat: get room %q: %v", roomID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load room")
			return
		}
		if !ok {
			writeAPIError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "room does not exist")
			return
		}
		writeJSON(w, http.StatusOK, toWireRoom(room))
	})

	mux.HandleFunc("GET /api/chat/history/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("roomID")
		limit := deps.historyLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeAPIError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
				return
			}
			limit = min(parsed, deps.historyLimit)
		}
		var before int64
		if raw := r.URL.Query().Get("before"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				writeAPIError(w, http.StatusBadRequest, "INVALID_CURSOR", "before must be a positive message id")
				return
			}
			before = parsed
		}

		history, err := deps.store.GetMessageHistory(r.Context(), roomID, limit, before)
		if err != nil {
			log.Printf("chat: load history room=%q: %v", roomID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load history")
			return
		}
		writeJSON(w, http.StatusOK, toWireMessages(history))
	})

	mux.HandleFunc("POST /api/chat/message", func(w http.ResponseWriter, r *http.Request) {
		var req postMessageRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
		if err := decoder.Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
			return
		}

		roomID := strings.TrimSpace(req.RoomID)
		userID := strings.TrimSpace(req.UserID)
		if roomID == "" || userID == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_BODY", "roomId and userId are required")
			return
		}
		content := strings.TrimSpace(req.Content)
		if content == "" {
			writeAPIError(w, http.StatusBadRequest, "EMPTY_MESSAGE", "message content is required")
			return
		}
		content = truncateRunes(content, maxMessageRunes)
		msgType := strings.TrimSpace(req.Type)
		if msgType == "" {
			msgType = "text"
		}

		msg, err := deps.store.StoreMessage(r.Context(), roomID, userID, content, msgType, req.Metadata)
		if err != nil {
			log.Printf("chat: store message via api room=%q: %v", roomID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store message")
			return
		}

		if room, ok := deps.hub.lookup(roomID); ok {
			room.broadcast(wsFrame{
				Type:    "message",
				Payload: mustJSON(toWireMessage(msg)),
			}, nil)
		}

		writeJSON(w, http.StatusCreated, toWireMessage(msg))
	})

	mux.HandleFunc("GET /api/presence/online", func(w http.ResponseWriter, r *http.Request) {
		roomID := strings.TrimSpace(r.URL.Query().Get("room"))

		var records []storage.PresenceRecord
		var err error
		if roomID != "" {
			records, err = deps.store.UsersInRoom(r.Context(), roomID)
		} else {
			records, err = deps.store.OnlineUsers(r.Context())
		}
		if err != nil {
			log.Printf("chat: list online users room=%q: %v", roomID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list online users")
			return
		}

		users := make([]wireUser, 0, len(records))
		for _, record := range records {
			users = append(users, toWireUser(record))
		}
		writeJSON(w, http.StatusOK, users)
	})

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.store.Stats(r.Context())
		if err != nil {
			log.Printf("chat: load stats: %v", err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
}

func toWireRoom(room storage.Room) wireRoom {
	return wireRoom{
		ID:           room.ID,
		Name:         room.Name,
		Description:  room.Description,
		VoiceEnabled: room.VoiceEnabled,
		MaxUsers:     room.MaxUsers,
		UserCount:    room.UserCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: encode response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
