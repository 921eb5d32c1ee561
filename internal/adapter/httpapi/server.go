// Package httpapi exposes the CRM webhooks, the health probe and the
// Prometheus endpoint over gin.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"erpsync/internal/domain/mapping"
	"erpsync/internal/service/syncer"
	"erpsync/internal/shared"
)

// Syncer is the part of the sync service the handlers call.
type Syncer interface {
	SyncProduct(ctx context.Context, p syncer.CRMProduct, correlation map[string]string) (string, error)
	SyncSalesDocument(ctx context.Context, d syncer.CRMSalesDocument, correlation map[string]string) (string, error)
	DeleteProduct(ctx context.Context, crmID string, correlation map[string]string) error
}

var _ Syncer = (*syncer.Service)(nil)

// Options configures the router.
type Options struct {
	Logger       *slog.Logger
	WebhookToken string
	// Health is pinged by GET /healthz. Nil reports healthy.
	Health mapping.Pinger
}

type handler struct {
	svc    Syncer
	health mapping.Pinger
	log    *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(svc Syncer, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "httpapi"))
	h := &handler{svc: svc, health: opts.Health, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logging(log))

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := r.Group("/webhooks/crm", Token(opts.WebhookToken))
	hooks.POST("/products", h.syncProduct)
	hooks.DELETE("/products/:id", h.deleteProduct)
	hooks.POST("/sales-documents", h.syncSalesDocument)
	return r
}

// Server runs the router until its context is done.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer creates a server on addr.
func NewServer(addr string, h http.Handler, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second},
		log: log,
	}
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Deferred  bool   `json:"deferred,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusForKind maps an error kind to the webhook response status.
func StatusForKind(k shared.Kind) int {
	switch k {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindAuth:
		return http.StatusBadGateway
	case shared.KindNetwork, shared.KindServer:
		return http.StatusServiceUnavailable
	case shared.KindClient:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	kind := shared.KindOf(err)
	_ = c.Error(err)
	c.JSON(StatusForKind(kind), errorBody{
		Error:     err.Error(),
		Kind:      kind.String(),
		Deferred:  errors.Is(err, syncer.ErrDeferred),
		RequestID: c.GetString(requestIDKey),
	})
}

func (h *handler) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, shared.MarkKind(err, shared.KindValidation))
		return false
	}
	return true
}

func (h *handler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) syncProduct(c *gin.Context) {
	var p syncer.CRMProduct
	if !h.bind(c, &p) {
		return
	}
	id, err := h.svc.SyncProduct(c.Request.Context(), p, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"erp_id": id})
}

func (h *handler) syncSalesDocument(c *gin.Context) {
	var d syncer.CRMSalesDocument
	if !h.bind(c, &d) {
		return
	}
	id, err := h.svc.SyncSalesDocument(c.Request.Context(), d, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"erp_id": id})
}

func (h *handler) deleteProduct(c *gin.Context) {
	if err := h.svc.DeleteProduct(c.Request.Context(), c.Param("id"), nil); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
