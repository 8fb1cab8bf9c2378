package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/broadcast"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// Intake accepts orders for execution.
type Intake interface {
	Enqueue(ctx context.Context, o order.Order) (string, error)
	Stats() queue.Stats
}

// StatusPublisher records and broadcasts a status transition.
type StatusPublisher interface {
	Publish(ctx context.Context, ev order.StatusEvent) error
}

type Config struct {
	CORSOrigins []string
	// IntakeLog, when set, receives one JSON line per accepted order.
	IntakeLog string
	Logger    *zap.SugaredLogger
}

// Server handles order intake over REST and status streams over WebSocket
type Server struct {
	intake  Intake
	pub     StatusPublisher
	streams *broadcast.Manager
	store   storage.OrderStore
	log     *zap.SugaredLogger
	router  *mux.Router
	handler http.Handler

	logMu     sync.Mutex
	intakeLog *os.File
}

func NewServer(cfg Config, intake Intake, pub StatusPublisher, streams *broadcast.Manager, store storage.OrderStore) *Server {
	s := &Server{
		intake:  intake,
		pub:     pub,
		streams: streams,
		store:   store,
		log:     util.OrNop(cfg.Logger),
		router:  mux.NewRouter(),
	}

	if cfg.IntakeLog != "" {
		f, err := os.OpenFile(cfg.IntakeLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.log.Warnw("intake_log_open_failed", "path", cfg.IntakeLog, "err", err)
		} else {
			s.intakeLog = f
			s.log.Infow("intake_log_enabled", "path", cfg.IntakeLog)
		}
	}

	s.setupRoutes()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/ws/orders", s.handleOrderStream)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	s.log.Infow("api_stopped")
	return err
}

// Close releases the intake log.
func (s *Server) Close() {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.intakeLog != nil {
		s.intakeLog.Close()
		s.intakeLog = nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	o := order.Order{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity}.Normalize()
	if err := o.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	o.ID = uuid.NewString()
	ctx := r.Context()

	// pending is recorded before the job exists so it can never overwrite
	// a later status.
	_ = s.pub.Publish(ctx, order.Pending(o.ID))

	jobID, err := s.intake.Enqueue(ctx, o)
	if err != nil {
		s.log.Errorw("order_enqueue_failed", "order_id", o.ID, "err", err)
		_ = s.pub.Publish(context.WithoutCancel(ctx), order.StatusEvent{
			OrderID: o.ID, Status: order.StatusFailed, Reason: err.Error(), Final: true,
		})
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "order not accepted", err.Error())
		return
	}

	s.log.Infow("order_accepted", "order_id", o.ID, "job_id", jobID,
		"symbol", o.Symbol, "side", o.Side, "quantity", o.Quantity.String())
	s.logIntake(map[string]any{
		"order_id": o.ID,
		"job_id":   jobID,
		"symbol":   o.Symbol,
		"side":     o.Side,
		"quantity": o.Quantity,
	})

	respondJSON(w, SubmitOrderResponse{OrderID: o.ID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "order lookup failed", err.Error())
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatsResponse{Queue: s.intake.Stats(), Streams: s.streams.Stats()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// logIntake appends an accepted order to the intake log, one JSON object per line.
func (s *Server) logIntake(data map[string]any) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.intakeLog == nil {
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
		"event":     "ORDER_ACCEPTED",
		"data":      data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("intake_log_marshal_failed", "err", err)
		return
	}
	s.intakeLog.Write(append(line, '\n'))
}
