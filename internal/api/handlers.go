package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/state"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

type API struct {
	store    state.Store
	database *db.Database
	server   *ws.Server
	limiter  ratelimit.Limiter
	capacity int
	log      *logrus.Entry
}

// New builds the HTTP surface. limiter may be nil to leave the API
// unthrottled.
func New(store state.Store, database *db.Database, server *ws.Server, limiter ratelimit.Limiter, capacity int, log *logrus.Entry) *API {
	if capacity <= 0 {
		capacity = 2
	}
	return &API{
		store:    store,
		database: database,
		server:   server,
		limiter:  limiter,
		capacity: capacity,
		log:      log,
	}
}

// Router mounts the websocket endpoint, the health and stats endpoints and the
// room API. trustProxy takes client addresses from forwarding headers, which
// the rate limiter then keys on.
func (a *API) Router(allowedOrigins []string, trustProxy bool) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length"},
		MaxAge:         300,
	}))

	r.Get("/ws", a.server.ServeWs)
	r.Get("/health", a.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(a.rateLimit)

		r.Get("/stats", a.StatsHandler)
		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", a.ListRoomsHandler)
			r.Post("/", a.CreateRoomHandler)
			r.Route("/{roomId}", func(r chi.Router) {
				r.Get("/", a.GetRoomHandler)
				r.Delete("/", a.DeleteRoomHandler)
				r.Post("/join", a.JoinRoomHandler)
				r.Put("/language", a.SetLanguageHandler)
			})
		})
	})

	return r
}

func jsonResponse(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, data)
}

func errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	jsonResponse(w, r, status, map[string]string{"error": message})
}

// storeError maps state store failures onto HTTP statuses.
func (a *API) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, state.ErrRoomNotFound):
		errorResponse(w, r, http.StatusNotFound, "Room not found")
	case errors.Is(err, state.ErrRoomFull):
		errorResponse(w, r, http.StatusConflict, "Room is full")
	case errors.Is(err, state.ErrRoomExists):
		errorResponse(w, r, http.StatusConflict, "Room already exists")
	case errors.Is(err, state.ErrStoreUnavailable):
		a.log.WithError(err).Warn("Room state store unavailable")
		errorResponse(w, r, http.StatusServiceUnavailable, "Room state unavailable, please retry")
	default:
		a.log.WithError(err).Error("Room state store error")
		errorResponse(w, r, http.StatusInternalServerError, "Internal error")
	}
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// rateLimit throttles API calls per client address. A failing limiter lets
// the request through.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		limited, err := a.limiter.ShouldLimit(r.Context(), "api:"+ip)
		if err != nil {
			a.log.WithError(err).Warn("Rate limiter unavailable")
		} else if limited {
			a.log.WithFields(logrus.Fields{"ip": ip, "path": r.URL.Path}).Info("Request rate limited")
			errorResponse(w, r, http.StatusTooManyRequests, "Too many requests, please slow down")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	storeStatus := "ok"
	if err := a.store.Ping(ctx); err != nil {
		a.log.WithError(err).Warn("Health check: store ping failed")
		storeStatus = "unavailable"
		status, code = "degraded", http.StatusServiceUnavailable
	}

	jsonResponse(w, r, code, map[string]interface{}{
		"status":    status,
		"store":     storeStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.server.RoomCount(),
		"active_clients": a.server.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err != nil {
			a.log.WithError(err).Warn("Failed to read database stats")
		} else {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_snapshots"] = dbStats.SnapshotCount
		}
	}

	jsonResponse(w, r, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID                string    `json:"id"`
	Language          string    `json:"language"`
	Owner             string    `json:"owner,omitempty"`
	Members           []string  `json:"members"`
	ActiveConnections int       `json:"active_connections"`
	CreatedAt         time.Time `json:"created_at"`
}

type CreateRoomRequest struct {
	Username string `json:"username"`
	Language string `json:"language"`
}

type JoinRoomRequest struct {
	Username string `json:"username"`
}

type SetLanguageRequest struct {
	Language string `json:"language"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.log.WithError(err).Error("Failed to list rooms")
		errorResponse(w, r, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	active := a.server.ActiveRooms()
	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, RoomResponse{
			ID:                room.ID,
			Language:          room.Language,
			Owner:             room.Owner,
			Members:           []string{},
			ActiveConnections: active[room.ID],
			CreatedAt:         room.CreatedAt,
		})
	}

	jsonResponse(w, r, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decode(r, &req); err != nil {
		errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		errorResponse(w, r, http.StatusBadRequest, "username is required")
		return
	}

	id := ulid.Make().String()
	room := state.Room{
		ID:       id,
		Language: req.Language,
		Members:  []string{req.Username},
	}
	if err := a.store.CreateRoom(r.Context(), room); err != nil {
		a.storeError(w, r, err)
		return
	}

	if err := a.database.CreateRoom(r.Context(), id, req.Language, req.Username); err != nil {
		a.log.WithField("room", id).WithError(err).Error("Failed to record room")
		if derr := a.store.DeleteRoom(r.Context(), id); derr != nil {
			a.log.WithField("room", id).WithError(derr).Warn("Failed to roll back room")
		}
		errorResponse(w, r, http.StatusInternalServerError, "Failed to create room")
		return
	}

	a.log.WithFields(logrus.Fields{"room": id, "username": req.Username}).Info("Room created")
	jsonResponse(w, r, http.StatusCreated, RoomResponse{
		ID:       id,
		Language: req.Language,
		Owner:    req.Username,
		Members:  room.Members,
	})
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req JoinRoomRequest
	if err := decode(r, &req); err != nil {
		errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		errorResponse(w, r, http.StatusBadRequest, "username is required")
		return
	}

	_, err := a.store.TryJoin(r.Context(), roomID, req.Username, a.capacity)
	if errors.Is(err, state.ErrRoomNotFound) {
		if err = a.rehydrate(r.Context(), roomID); err == nil {
			_, err = a.store.TryJoin(r.Context(), roomID, req.Username, a.capacity)
		}
	}
	if err != nil {
		a.storeError(w, r, err)
		return
	}

	a.GetRoomHandler(w, r)
}

// rehydrate restores a room that expired from the state store from its
// database record and last snapshot.
func (a *API) rehydrate(ctx context.Context, roomID string) error {
	room, err := a.database.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return state.ErrRoomNotFound
	}

	restored := state.Room{ID: room.ID, Language: room.Language}
	snap, err := a.database.GetSnapshot(ctx, roomID)
	if err != nil {
		return err
	}
	if snap != nil {
		restored.Code = snap.Code
	}

	err = a.store.CreateRoom(ctx, restored)
	if errors.Is(err, state.ErrRoomExists) {
		return nil
	}
	if err == nil {
		a.log.WithField("room", roomID).Info("Room restored from snapshot")
	}
	return err
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	ctx := r.Context()

	language, err := a.store.GetLanguage(ctx, roomID)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	members, err := a.store.Members(ctx, roomID)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	if members == nil {
		members = []string{}
	}

	response := RoomResponse{
		ID:                roomID,
		Language:          language,
		Members:           members,
		ActiveConnections: a.server.ActiveRooms()[roomID],
	}
	if room, err := a.database.GetRoom(ctx, roomID); err != nil {
		a.log.WithField("room", roomID).WithError(err).Warn("Failed to read room record")
	} else if room != nil {
		response.Owner = room.Owner
		response.CreatedAt = room.CreatedAt
	}

	jsonResponse(w, r, http.StatusOK, response)
}

func (a *API) SetLanguageHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req SetLanguageRequest
	if err := decode(r, &req); err != nil {
		errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		errorResponse(w, r, http.StatusBadRequest, "language is required")
		return
	}

	if err := a.store.SetLanguage(r.Context(), roomID, req.Language); err != nil {
		a.storeError(w, r, err)
		return
	}
	if err := a.database.SetLanguage(r.Context(), roomID, req.Language); err != nil {
		a.log.WithField("room", roomID).WithError(err).Warn("Failed to record language")
	}

	jsonResponse(w, r, http.StatusOK, map[string]string{"id": roomID, "language": req.Language})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		a.storeError(w, r, err)
		return
	}
	if err := a.database.DeleteRoom(r.Context(), roomID); err != nil {
		a.log.WithField("room", roomID).WithError(err).Error("Failed to delete room record")
		errorResponse(w, r, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.log.WithField("room", roomID).Info("Room deleted")
	w.WriteHeader(http.StatusNoContent)
}
