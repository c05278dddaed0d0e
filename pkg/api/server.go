// Package api is the admin control surface: start/stop/status for the run
// loop plus a book depth view. It never participates in matching; it only
// toggles the scheduler's active flag and reads state.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/spotdex/matcher/pkg/book"
	"github.com/spotdex/matcher/pkg/engine"
	"github.com/spotdex/matcher/pkg/model"
)

// Controller is the run loop hook the admin surface drives.
type Controller interface {
	Start()
	Stop()
	Status() engine.Status
}

type Server struct {
	ctrl   Controller
	book   *book.Book
	router *mux.Router
	sugar  *zap.SugaredLogger
}

func NewServer(ctrl Controller, b *book.Book, sugar *zap.SugaredLogger) *Server {
	s := &Server{
		ctrl:   ctrl,
		book:   b,
		router: mux.NewRouter(),
		sugar:  sugar,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/start", s.handleStart).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/book", s.handleBook).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves the admin API on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	s.sugar.Infow("admin_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type statusMessage struct {
	Message string `json:"message"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start()
	writeJSON(w, http.StatusOK, statusMessage{Message: "Matcher started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, statusMessage{Message: "Matcher stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type levelJSON struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

type bookJSON struct {
	Bids []levelJSON `json:"bids"`
	Asks []levelJSON `json:"asks"`
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	resp := bookJSON{
		Bids: toLevelJSON(s.book.Depth(model.Buy)),
		Asks: toLevelJSON(s.book.Depth(model.Sell)),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toLevelJSON(levels []book.Level) []levelJSON {
	out := make([]levelJSON, len(levels))
	for i, l := range levels {
		out[i] = levelJSON{
			Price:  l.Price.String(),
			Size:   l.Size.String(),
			Orders: l.Orders,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
