// Package api is the operator HTTP surface: terminal registration,
// fleet status, payment submission and cancellation. Thin JSON adapters
// over the registry and pipeline; no business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/fleet"
	"github.com/posfleet/terminald/internal/models"
	"github.com/posfleet/terminald/internal/payments"
)

type Server struct {
	reg  *fleet.Registry
	pipe *payments.Pipeline
	log  *zap.Logger
}

func NewRouter(reg *fleet.Registry, pipe *payments.Pipeline, log *zap.Logger) *router.Router {
	s := &Server{reg: reg, pipe: pipe, log: log}

	r := router.New()
	r.POST("/terminals", s.handleRegisterTerminal)
	r.GET("/terminals", s.handleStatuses)
	r.POST("/terminals/{id}/disconnect", s.handleDisconnect)
	r.POST("/terminals/{id}/reset-errors", s.handleResetErrors)
	r.POST("/terminals/{id}/cancel", s.handleCancel)
	r.POST("/payments", s.handlePayment)
	r.GET("/metrics/fleet", s.handleFleetMetrics)
	r.GET("/readers/serial", s.handleSerialReaders)
	RegisterMetrics(r)
	return r
}

func (s *Server) handleRegisterTerminal(ctx *fasthttp.RequestCtx) {
	var cfg models.TerminalConfig
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := s.reg.RegisterTerminal(context.Background(), cfg); err != nil {
		// The config may have been stored with the connect attempt
		// failing; the statuses endpoint tells those cases apart.
		s.log.Warn("register terminal", zap.String("terminal_id", cfg.ID), zap.Error(err))
		writeJSON(ctx, fasthttp.StatusAccepted, map[string]string{
			"id":    cfg.ID,
			"error": err.Error(),
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, map[string]string{"id": cfg.ID})
}

func (s *Server) handleStatuses(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.reg.Statuses())
}

func (s *Server) handleFleetMetrics(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.reg.Metrics())
}

func (s *Server) handleDisconnect(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := s.reg.DisconnectTerminal(id); err != nil {
		status := fasthttp.StatusInternalServerError
		if errors.Is(err, fleet.ErrUnknownTerminal) {
			status = fasthttp.StatusNotFound
		}
		writeError(ctx, status, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"id": id, "status": "disconnected"})
}

func (s *Server) handleResetErrors(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := s.reg.ResetErrors(id); err != nil {
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"id": id, "status": "reset"})
}

func (s *Server) handleCancel(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if !s.pipe.Cancel(ctx, id) {
		writeError(ctx, fasthttp.StatusConflict, "terminal has no cancellable payment")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) handlePayment(ctx *fasthttp.RequestCtx) {
	var req models.PaymentRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Amount <= 0 {
		writeError(ctx, fasthttp.StatusBadRequest, "amount must be greater than zero")
		return
	}
	if req.Currency == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "currency is required")
		return
	}

	result := s.pipe.Process(ctx, req)
	status := fasthttp.StatusOK
	if !result.Success {
		switch result.Error {
		case fleet.CodeNoAvailableTerminals:
			status = fasthttp.StatusServiceUnavailable
		case fleet.CodeCancelled:
			status = fasthttp.StatusConflict
		default:
			status = fasthttp.StatusBadGateway
		}
	}
	writeJSON(ctx, status, result)
}

func (s *Server) handleSerialReaders(ctx *fasthttp.RequestCtx) {
	readers, err := driver.ListSerialReaders()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, readers)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
