// Package api exposes the bridge to the register UI over HTTP: connection
// state, device operations, payment sessions and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/registerlabs/posbridge/internal/channel"
	"github.com/registerlabs/posbridge/internal/device"
	"github.com/registerlabs/posbridge/internal/httputil"
	"github.com/registerlabs/posbridge/internal/metrics"
	"github.com/registerlabs/posbridge/internal/money"
	"github.com/registerlabs/posbridge/internal/storage"
	"github.com/registerlabs/posbridge/internal/terminal"
	"github.com/registerlabs/posbridge/pkg/logger"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Server wires the HTTP surface over the bridge components.
type Server struct {
	cfg          ServerConfig
	log          *logger.Logger
	registry     *channel.Registry
	drawer       *device.CashDrawer
	printer      *device.ReceiptPrinter
	orchestrator *terminal.Orchestrator
	payments     storage.PaymentStore

	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(
	cfg ServerConfig,
	log *logger.Logger,
	registry *channel.Registry,
	drawer *device.CashDrawer,
	printer *device.ReceiptPrinter,
	orchestrator *terminal.Orchestrator,
	payments storage.PaymentStore,
) *Server {
	if log == nil {
		log = logger.NewDefault("api")
	}
	s := &Server{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		drawer:       drawer,
		printer:      printer,
		orchestrator: orchestrator,
		payments:     payments,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/connections/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	r.HandleFunc("/payments", s.handleStartPayment).Methods(http.MethodPost)
	r.HandleFunc("/payments/state", s.handlePaymentState).Methods(http.MethodGet)
	r.HandleFunc("/payments/cancel", s.handleCancelPayment).Methods(http.MethodPost)
	r.HandleFunc("/devices/cash-drawer/{op}", s.handleDrawer).Methods(http.MethodPost)
	r.HandleFunc("/devices/printer/print", s.handlePrint).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Name implements system.Service.
func (s *Server) Name() string { return "status-api" }

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("status API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("status API stopped")
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	states := s.registry.State()
	out := make(map[string]channel.ConnectionState, len(states))
	for key, state := range states {
		out[key.String()] = state
	}
	httputil.WriteSuccess(w, out)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.registry.Resume()
	httputil.WriteSuccess(w, nil)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	records, err := s.payments.ListPayments(r.Context(), 50)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteSuccess(w, records)
}

type startPaymentRequest struct {
	OrderID       string `json:"order_id"`
	BaseTotal     string `json:"base_total"`
	Tip           string `json:"tip"`
	Split         bool   `json:"is_split_payment"`
	OriginalTotal string `json:"original_total,omitempty"`
}

func (s *Server) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	var req startPaymentRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	base, err := money.Parse(req.BaseTotal)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("base_total: %v", err))
		return
	}
	tip := money.Amount(0)
	if req.Tip != "" {
		if tip, err = money.Parse(req.Tip); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("tip: %v", err))
			return
		}
	}
	original := money.Amount(0)
	if req.OriginalTotal != "" {
		if original, err = money.Parse(req.OriginalTotal); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("original_total: %v", err))
			return
		}
	}

	order := terminal.Order{
		OrderID:       req.OrderID,
		BaseTotal:     base,
		Tip:           tip,
		Split:         req.Split,
		OriginalTotal: original,
	}
	if err := s.orchestrator.ProcessPayment(r.Context(), order); err != nil {
		if errors.Is(err, terminal.ErrSessionActive) {
			httputil.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	state, _ := s.orchestrator.State()
	httputil.WriteSuccess(w, map[string]string{"state": string(state)})
}

func (s *Server) handlePaymentState(w http.ResponseWriter, r *http.Request) {
	state, errMsg := s.orchestrator.State()
	httputil.WriteSuccess(w, map[string]string{
		"state": string(state),
		"error": errMsg,
	})
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(r.Context()); err != nil {
		if errors.Is(err, terminal.ErrNoSession) {
			httputil.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.WriteSuccess(w, nil)
}

func (s *Server) handleDrawer(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["op"] {
	case "open":
		err = s.drawer.Open(r.Context())
	case "close":
		err = s.drawer.Close(r.Context())
	default:
		httputil.WriteError(w, http.StatusNotFound, "unknown drawer operation")
		return
	}
	s.writeDeviceResult(w, err)
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid print payload")
		return
	}
	s.writeDeviceResult(w, s.printer.Print(r.Context(), payload, nil))
}

func (s *Server) writeDeviceResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		httputil.WriteSuccess(w, nil)
	case device.IsTimeout(err):
		httputil.WriteError(w, http.StatusGatewayTimeout, err.Error())
	default:
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
	}
}
