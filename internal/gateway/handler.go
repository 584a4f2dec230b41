package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/voice"
	"github.com/matheus3301/fluxy/internal/wire"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// VoiceService is the voice presence surface the gateway drives.
type VoiceService interface {
	Join(ctx context.Context, serverID, channelID, userID string) error
	Leave(ctx context.Context, userID string, shouldBroadcast bool) (voice.Membership, bool)
	DisconnectUser(ctx context.Context, userID string)
	ServerSnapshot(serverID string) []wire.VoiceChannelSync
}

// MessageService handles message ops and history reads.
type MessageService interface {
	Send(ctx context.Context, userID string, req wire.SendMessageData) (wire.Message, error)
	Edit(ctx context.Context, req wire.EditMessageData) (wire.Message, error)
	Delete(ctx context.Context, req wire.DeleteMessageData) error
	React(ctx context.Context, userID string, req wire.ReactData) (wire.ReactionUpdate, error)
	History(ctx context.Context, channelID string, page, pageSize int) ([]wire.Message, error)
}

// RosterStore keeps server rosters.
type RosterStore interface {
	UpsertMember(ctx context.Context, m *store.Member) error
	ListMembers(ctx context.Context, serverID string) ([]store.Member, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer for HTTP; the gateway itself
	// takes identity from the query string.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the WebSocket gateway and the read-only HTTP API.
type Handler struct {
	hub      *Hub
	voice    VoiceService
	messages MessageService
	roster   RosterStore
	logger   *zap.Logger
}

// NewHandler wires the gateway. A user whose last connection closes leaves
// their voice channel.
func NewHandler(hub *Hub, vs VoiceService, ms MessageService, roster RosterStore, logger *zap.Logger) *Handler {
	h := &Handler{hub: hub, voice: vs, messages: ms, roster: roster, logger: logger}
	hub.OnUserGone(func(userID string) {
		vs.DisconnectUser(context.Background(), userID)
	})
	return h
}

// Routes returns the full HTTP surface behind CORS.
func (h *Handler) Routes(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/gateway", h.ServeWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels/{id}/messages", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/members", h.handleMembers).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// ServeWS upgrades the request and blocks until the connection closes. The
// user is identified by the user query parameter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := &Client{
		hub:      h.hub,
		gw:       h,
		conn:     conn,
		userID:   userID,
		username: username,
		send:     make(chan []byte, sendBufferSize),
		topics:   make(map[string]struct{}),
	}
	if !h.hub.register(c) {
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump()
	c.readPump(ctx)
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.messages.History(r.Context(), mux.Vars(r)["id"], page, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	if h.roster == nil {
		writeJSON(w, http.StatusOK, []wire.Author{})
		return
	}
	members, err := h.roster.ListMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]wire.Author, len(members))
	for i, m := range members {
		out[i] = wire.Author{ID: m.UserID, Username: m.Username, DisplayName: m.DisplayName, Avatar: m.Avatar}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument):
		status = http.StatusBadRequest
	default:
		h.logger.Error("api request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Error: err.Error()})
}
