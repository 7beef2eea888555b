package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/auth"
	"github.com/roomchat/roomchat/chat"
	"github.com/roomchat/roomchat/config"
)

// Handler accepts websocket connections on /ws/chat/{room}/ and runs one Client per connection.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	inbound  InboundHandler
	presence PresenceTracker
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
	logger   hclog.Logger
	security hclog.Logger
}

func NewHandler(hub *Hub, verifier auth.Verifier, inbound InboundHandler, presence PresenceTracker, cfg *config.Config,
	logger hclog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		inbound:  inbound,
		presence: presence,
		cfg:      cfg.SessionConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger:   logger,
		security: logger.Named("security"),
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Handle("/ws/chat/{room}/", h).Methods(http.MethodGet)
	router.Handle("/ws/chat/{room}", h).Methods(http.MethodGet)
}

// originChecker allows every origin if the list is empty. Requests without an Origin header (non-browser clients)
// are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origins[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

// closeFor maps an authentication failure to the close code and reason sent to the client.
func closeFor(class auth.FailureClass) (int, string) {
	switch class {
	case auth.FailureMissing:
		return CloseUnauthorized, "authentication required"
	case auth.FailureExpired:
		return CloseUnauthorized, "token expired"
	case auth.FailureLookup:
		return CloseBadRequest, "principal lookup failed"
	}
	return CloseUnauthorized, "invalid token"
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := NewClient(uuid.NewString(), room, conn, h.hub, h.inbound, h.presence, h.cfg, h.logger)
	if !chat.ValidRoomName(room) {
		h.logger.Debug("invalid room name", "room", room, "remote", r.RemoteAddr)
		client.Reject(CloseBadRequest, "invalid room name")
		return
	}

	client.StartAuthentication()
	principal, err := auth.Authenticate(r, h.verifier)
	if err != nil {
		class := auth.Classify(err)
		h.security.Warn("websocket authentication failed", "class", class, "remote", r.RemoteAddr, "room", room,
			"error", err)
		code, reason := closeFor(class)
		client.Reject(code, reason)
		return
	}
	if err := client.Join(principal); err != nil {
		h.logger.Error("could not join", "room", room, "user", principal.Id, "error", err)
		client.Reject(CloseBadRequest, "could not join room")
		return
	}
	client.Run()
}
