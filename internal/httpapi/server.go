// Package httpapi implements the worker fleet's control-plane HTTP API:
// starting runs, inspecting their state, cancelling them, resolving webhook
// suspensions, and listing a run's open suspensions. It does not execute
// workflow graphs itself - that is the dispatcher's job - it only starts and
// observes runs.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/graph"
	"github.com/swiftgrid/worker/internal/observability"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	pkgerrors "github.com/swiftgrid/worker/internal/pkg/errors"
	"github.com/swiftgrid/worker/internal/pkg/pointers"
	"github.com/swiftgrid/worker/internal/platform/apierr"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/pubsub"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

type Config struct {
	Addr        string
	JWTSecret   string
	OTelEnabled bool
	CORSOrigins []string
}

type Server struct {
	cfg Config
	log *logger.Logger

	workflowRepo   store.WorkflowRepo
	runRepo        store.RunRepo
	suspensionRepo store.SuspensionRepo

	q          *queue.Queue
	bus        *pubsub.Bus
	cancelReg  *cancellation.Registry

	engine *gin.Engine
}

func New(cfg Config, log *logger.Logger, workflowRepo store.WorkflowRepo, runRepo store.RunRepo, suspensionRepo store.SuspensionRepo, q *queue.Queue, bus *pubsub.Bus, cancelReg *cancellation.Registry) *Server {
	s := &Server{
		cfg:            cfg,
		log:            log.With("component", "control_api"),
		workflowRepo:   workflowRepo,
		runRepo:        runRepo,
		suspensionRepo: suspensionRepo,
		q:              q,
		bus:            bus,
		cancelReg:      cancelReg,
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.cfg.OTelEnabled {
		r.Use(otelgin.Middleware("swiftgrid-control-api"))
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", s.handleMetrics)

	auth := NewAuthMiddleware(s.log, s.cfg.JWTSecret)
	v1 := r.Group("/api/v1")
	v1.Use(auth.RequireAuth())
	{
		v1.POST("/runs", s.handleStartRun)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.POST("/webhooks/:resume_token", s.handleResolveWebhook)
		v1.GET("/runs/:id/suspensions", s.handleListSuspensions)
	}

	return r
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("control API listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if !observability.Enabled() {
		c.Status(http.StatusNotFound)
		return
	}
	observability.Current().WriteHTTP(c.Writer, c.Request)
}

type startRunRequest struct {
	WorkflowID string         `json:"workflow_id" binding:"required"`
	Input      map[string]any `json:"input"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	workflowID, err := uuid.Parse(req.WorkflowID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_workflow_id", err)
		return
	}

	ctx := c.Request.Context()
	version, err := s.workflowRepo.ActiveVersion(dbctx.Context{Ctx: ctx}, workflowID)
	if err != nil {
		respondAPIErr(c, apierr.New(http.StatusNotFound, "workflow_not_found", pkgerrors.ErrNotFound))
		return
	}

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_input", err)
		return
	}

	run := &store.Run{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		VersionID:     version.ID,
		GraphSnapshot: version.GraphSnapshot,
		Status:        store.RunStatusRunning,
		InputData:     datatypes.JSON(inputJSON),
	}
	if err := s.runRepo.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		respondError(c, http.StatusInternalServerError, "create_run_failed", err)
		return
	}

	snap, err := graph.Parse(version.GraphSnapshot)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "parse_graph_failed", err)
		return
	}
	var jobs []queue.Job
	for _, n := range snap.StartingNodes() {
		if j, ok := graph.BuildJob(n, run.ID.String(), 3, req.Input); ok {
			jobs = append(jobs, j)
		}
	}
	if err := s.q.EnqueueBatch(ctx, jobs); err != nil {
		respondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run_id": run.ID, "status": run.Status})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := s.runRepo.Get(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		respondAPIErr(c, apierr.New(http.StatusNotFound, "run_not_found", pkgerrors.ErrNotFound))
		return
	}
	respondOK(c, run)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.runRepo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, runID,
		[]string{store.RunStatusCompleted, store.RunStatusFailed, store.RunStatusCancelled},
		map[string]interface{}{"status": store.RunStatusCancelled, "completed_at": pointers.Ptr(time.Now().UTC())}); err != nil {
		respondError(c, http.StatusInternalServerError, "cancel_failed", err)
		return
	}
	s.cancelReg.Trigger(runID)
	if err := cancellation.PublishCancel(ctx, s.bus, runID); err != nil {
		s.log.Error("publish cancel failed", "run_id", runID, "error", err)
	}
	respondOK(c, gin.H{"run_id": runID, "status": store.RunStatusCancelled})
}

func (s *Server) handleResolveWebhook(c *gin.Context) {
	token := c.Param("resume_token")
	var payload map[string]any
	_ = c.ShouldBindJSON(&payload)
	payloadJSON, _ := json.Marshal(payload)

	ctx := c.Request.Context()
	susp, err := s.suspensionRepo.ResolveByToken(dbctx.Context{Ctx: ctx}, token, "webhook_caller", payloadJSON)
	if err != nil {
		respondAPIErr(c, apierr.New(http.StatusNotFound, "suspension_not_found", pkgerrors.ErrNotFound))
		return
	}
	job := queue.Job{ID: susp.NodeID, RunID: susp.RunID.String(), Node: queue.JobNode{Type: "WEBHOOKRESUME"}}
	if err := s.q.Enqueue(ctx, job); err != nil {
		respondError(c, http.StatusInternalServerError, "enqueue_resume_failed", err)
		return
	}
	respondOK(c, gin.H{"run_id": susp.RunID, "node_id": susp.NodeID, "resumed": true})
}

func (s *Server) handleListSuspensions(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	susps, err := s.suspensionRepo.ListUnresolvedByRun(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "list_suspensions_failed", err)
		return
	}
	respondOK(c, gin.H{"run_id": runID, "suspensions": susps})
}
