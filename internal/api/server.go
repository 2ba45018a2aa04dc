package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
	"roomchat/internal/room"
	"roomchat/internal/websocket"
	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

const (
	errorTextNameTooLong       = "Name too long"
	errorTextExpectedWebsocket = "Expected websocket"
	mintAttempts               = 3
	healthLimiterKey           = "roomchat-health"
)

// Options configures the HTTP front door
type Options struct {
	AllowedOrigins []string
	Throttle       *Throttle
	// LimiterHandler, when set, is mounted at /limiter for out-of-process clients
	LimiterHandler http.Handler
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no chat logic, only routing, validation and JSON serialization
type Server struct {
	rooms     *room.Manager
	directory interfaces.RoomDirectory
	limiter   interfaces.RateLimiter
	sockets   *websocket.Handler
	throttle  *Throttle
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer builds the router. directory and limiter are used by /health and
// room minting; sockets serves upgraded connections.
func NewServer(rooms *room.Manager, directory interfaces.RoomDirectory, limiter interfaces.RateLimiter,
	sockets *websocket.Handler, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		rooms:     rooms,
		directory: directory,
		limiter:   limiter,
		sockets:   sockets,
		throttle:  opts.Throttle,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	if s.throttle == nil {
		s.throttle = NewThrottle(2, 10, 0)
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/", s.root)
	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.throttle.Middleware("mint")).Post("/room", s.mintRoom)
		r.With(s.throttle.Middleware("websocket")).Get("/room/{name}/websocket", s.connectRoom)
		r.Get("/rooms", s.listRooms)
	})

	if opts.LimiterHandler != nil {
		r.Mount("/limiter", opts.LimiterHandler)
	}

	s.router = r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Limiter   string    `json:"limiter"`
	Rooms     int       `json:"rooms"`
}

type ListRoomsResponse struct {
	Live   []types.RoomStats `json:"live"`
	Recent []*types.Room     `json:"recent"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("roomchat: POST /api/room to mint a room, then connect to /api/room/{name}/websocket\n"))
}

// mintRoom creates an unguessable room key and returns it as text
func (s *Server) mintRoom(w http.ResponseWriter, r *http.Request) {
	var (
		key string
		err error
	)
	for attempt := 0; attempt < mintAttempts; attempt++ {
		key, err = newRoomKey()
		if err != nil {
			break
		}
		now := time.Now().UTC()
		err = s.directory.CreateRoom(r.Context(), &types.Room{
			ID:           key,
			Kind:         types.RoomKindMinted,
			CreatedAt:    now,
			LastActiveAt: now,
		})
		if !errors.Is(err, interfaces.ErrRoomExists) {
			break
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to mint room")
		sendError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	metrics.RoomsMinted.Inc()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(key))
}

// connectRoom validates the room name and hands the request to the socket handler
func (s *Server) connectRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	kind, err := types.ValidateRoomName(name)
	if err != nil {
		sendError(w, errorTextNameTooLong, http.StatusNotFound)
		return
	}

	if kind == types.RoomKindMinted {
		if _, err := s.directory.GetRoom(r.Context(), name); err != nil {
			if !errors.Is(err, interfaces.ErrRoomNotFound) {
				s.logger.Error().Err(err).Str("room", name).Msg("room lookup failed")
			}
			sendError(w, "Not found", http.StatusNotFound)
			return
		}
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		sendError(w, errorTextExpectedWebsocket, http.StatusBadRequest)
		return
	}

	s.sockets.Serve(w, r, name, kind, ClientKey(r))
}

// listRooms reports running rooms and the most recently active directory entries
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recent, err := s.directory.ListRooms(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rooms")
		sendError(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ListRoomsResponse{Live: s.rooms.Stats(), Recent: recent})
}

// healthCheck verifies the directory and the limiter backend
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Limiter:   "healthy",
		Rooms:     s.rooms.Count(),
	}

	if err := s.directory.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = fmt.Sprintf("error: %v", err)
	}
	if _, err := s.limiter.Peek(ctx, healthLimiterKey); err != nil {
		response.Status = "unhealthy"
		response.Limiter = fmt.Sprintf("error: %v", err)
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func newRoomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
