package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/roomchat/roomchat/auth"
	"github.com/roomchat/roomchat/chat"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/types"
)

// multipart bodies larger than this are spooled to disk by net/http
const maxMemory = 8 << 20

type Store interface {
	GetRoom(ctx context.Context, name string) (*types.Room, error)
	AddMember(ctx context.Context, roomId uint, userId string) error
	RemoveMember(ctx context.Context, roomId uint, userId string) error
}

// API is the REST surface next to the websocket endpoint. Every route requires an authenticated principal.
type API struct {
	store    Store
	pipeline *chat.Pipeline
	presence *presence.Tracker
	notifier *notification.Emitter
	verifier auth.Verifier
	logger   hclog.Logger
}

func New(store Store, pipeline *chat.Pipeline, tracker *presence.Tracker, notifier *notification.Emitter,
	verifier auth.Verifier, logger hclog.Logger) *API {
	return &API{
		store:    store,
		pipeline: pipeline,
		presence: tracker,
		notifier: notifier,
		verifier: verifier,
		logger:   logger,
	}
}

func (a *API) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/api").Subrouter()
	r.Use(auth.Middleware(a.verifier, a.logger.Named("security")))
	r.HandleFunc("/rooms/{room}/join", a.joinRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/leave", a.leaveRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/files", a.uploadFile).Methods(http.MethodPost)
	r.HandleFunc("/notifications", a.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/mark-all-read", a.markAllRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id:[0-9]+}/mark-read", a.markRead).Methods(http.MethodPost)
	r.HandleFunc("/users/online", a.onlineUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/presence", a.userPresence).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an error of the lower layers to a response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var validation *chat.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason)
	case errors.Is(err, notification.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, chat.ReasonInternal)
	}
}

// principal is always set behind the middleware.
func principal(r *http.Request) *types.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (a *API) room(w http.ResponseWriter, r *http.Request) (*types.Room, bool) {
	name := mux.Vars(r)["room"]
	if !chat.ValidRoomName(name) {
		writeError(w, http.StatusBadRequest, "invalid room name")
		return nil, false
	}
	room, err := a.store.GetRoom(r.Context(), name)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return nil, false
		}
		a.fail(w, r, err)
		return nil, false
	}
	return room, true
}

func (a *API) joinRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	p := principal(r)
	if err := a.store.AddMember(r.Context(), room.Id, p.Id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Debug("joined room", "room", room.Name, "user", p.Id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined", "room": room.Name})
}

func (a *API) leaveRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	p := principal(r)
	if err := a.store.RemoveMember(r.Context(), room.Id, p.Id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Debug("left room", "room", room.Name, "user", p.Id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "left", "room": room.Name})
}

// uploadFile accepts a multipart form with the file in the "file" field and publishes it as a file message.
func (a *API) uploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, chat.ReasonNoFile)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.ReasonNoFile)
		return
	}
	defer file.Close()

	msg, err := a.pipeline.HandleFile(r.Context(), principal(r), mux.Vars(r)["room"], chat.FileUpload{
		Reader:   file,
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.NewWireChatMessage(msg))
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	notifications, err := a.notifier.List(r.Context(), principal(r).Id, unreadOnly)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := a.notifier.MarkRead(r.Context(), uint(id), principal(r).Id); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked as read"})
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request) {
	count, err := a.notifier.MarkAllRead(r.Context(), principal(r).Id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "all marked as read", "count": count})
}

func (a *API) userPresence(w http.ResponseWriter, r *http.Request) {
	p, err := a.presence.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) onlineUsers(w http.ResponseWriter, r *http.Request) {
	online, err := a.presence.Online(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, online)
}
