package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/service"
)

// Server handles REST API and WebSocket connections
type Server struct {
	svc     *service.OrderService
	router  *mux.Router
	hub     *Hub
	metrics http.Handler
	origins []string
	log     *zap.SugaredLogger

	baseCtx context.Context
	httpSrv *http.Server
}

type Options struct {
	AllowedOrigins []string
	Metrics        http.Handler // served at /metrics when set
}

// NewServer wires routes to svc. The hub must be the broadcaster svc was built with.
func NewServer(svc *service.OrderService, hub *Hub, log *zap.SugaredLogger, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		svc:     svc,
		router:  mux.NewRouter(),
		hub:     hub,
		metrics: opts.Metrics,
		origins: opts.AllowedOrigins,
		log:     log,
		baseCtx: context.Background(),
	}
	hub.SetOrderHandler(s.submit)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/orderbook/{base}/{quote}", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/orderbook/{base}/{quote}/trades", s.handleGetTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called. Socket requests run under ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) submit(ctx context.Context, req OrderRequest) (book.Order, error) {
	side, err := book.ParseSide(req.Side)
	if err != nil {
		return book.Order{}, book.Validation("side must be buy or sell")
	}
	return s.svc.Submit(ctx, service.SubmitRequest{
		Pair:     req.Pair,
		Side:     side,
		Price:    req.Price,
		Quantity: req.Quantity,
		UserID:   req.UserID,
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o, err := s.submit(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	ok, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if !ok {
		s.respondErr(w, book.NotFound("order %s not found", id))
		return
	}
	respondJSON(w, CancelResponse{OrderID: id, Cancelled: true})
}

func pairOf(r *http.Request) string {
	vars := mux.Vars(r)
	return vars["base"] + "/" + vars["quote"]
}

// intParam reads a non-negative integer query parameter; absent means 0.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, book.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	snapshot, err := s.svc.Query(r.Context(), pairOf(r), depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, snapshot)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	trades, err := s.svc.Trades(r.Context(), pairOf(r), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func statusFor(k book.Kind) int {
	switch k {
	case book.KindValidation:
		return http.StatusBadRequest
	case book.KindNotFound:
		return http.StatusNotFound
	case book.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	kind := book.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "kind", kind.String(), "err", err)
	}
	respondError(w, status, kind.String(), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
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
