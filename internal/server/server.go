// Package server provides the HTTP API for reviewd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/review"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/workflows"
)

// ReviewStore is the slice of the state store the API reads and writes.
type ReviewStore interface {
	CreateReview(ctx context.Context, r *review.Review) error
	SetRunHandle(ctx context.Context, reviewID, handle string) error
	UpdateStatus(ctx context.Context, reviewID string, status review.Status, stage, errText string) error
	GetReview(ctx context.Context, reviewID string) (*review.Review, error)
	ListFindings(ctx context.Context, reviewID string) ([]review.Finding, error)
	ListRemediations(ctx context.Context, reviewID string) ([]review.Remediation, error)
}

// WorkflowClient is the slice of the Temporal client the API uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// Server exposes review submission, inspection, and approval endpoints.
type Server struct {
	echo     *echo.Echo
	store    ReviewStore
	temporal WorkflowClient
	logger   *logging.Logger
	cfg      *config.Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(st ReviewStore, temporal WorkflowClient, logger *logging.Logger, cfg *config.Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if temporal == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		store:    st,
		temporal: temporal,
		logger:   logger.Named("server"),
		cfg:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reviews", s.handleCreateReview)
	v1.GET("/reviews/:id", s.handleGetReview)
	v1.POST("/reviews/:id/approval", s.handleApproval)
}

// CreateReviewRequest is the request body for POST /api/v1/reviews.
type CreateReviewRequest struct {
	UserID   string `json:"user_id"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// CreateReviewResponse is the response body for POST /api/v1/reviews.
type CreateReviewResponse struct {
	ID     string        `json:"id"`
	Status review.Status `json:"status"`
}

// ReviewResponse is the response body for GET /api/v1/reviews/:id.
type ReviewResponse struct {
	Review       *review.Review       `json:"review"`
	Findings     []review.Finding     `json:"findings"`
	Remediations []review.Remediation `json:"remediations"`
}

// ApprovalResponse is the response body for POST /api/v1/reviews/:id/approval.
type ApprovalResponse struct {
	ID      string        `json:"id"`
	Status  review.Status `json:"status"`
	Applied bool          `json:"applied"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateReview persists a pending review and starts its pipeline run.
func (s *Server) handleCreateReview(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateReviewRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid review request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code field is required")
	}
	if req.Language == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "language field is required")
	}

	now := time.Now().UTC()
	r := &review.Review{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Code:      req.Code,
		Language:  req.Language,
		Status:    review.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx = logging.WithReviewID(ctx, r.ID)

	if err := s.store.CreateReview(ctx, r); err != nil {
		s.logger.Error(ctx, "failed to create review", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create review")
	}

	run, err := s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflows.WorkflowID(r.ID),
		TaskQueue: s.cfg.Temporal.TaskQueue,
	}, workflows.ReviewWorkflow, workflows.ReviewInput{
		ReviewID:           r.ID,
		UserID:             r.UserID,
		Code:               r.Code,
		Language:           r.Language,
		StageTimeout:       s.cfg.Pipeline.StageTimeout.Duration(),
		RemediationTimeout: s.cfg.Pipeline.RemediationTimeout.Duration(),
		MaxStageAttempts:   s.cfg.Pipeline.MaxStageAttempts,
		ApprovalTimeout:    s.cfg.Pipeline.ApprovalTimeout.Duration(),
	})
	if err != nil {
		s.logger.Error(ctx, "failed to start review pipeline", zap.Error(err))
		if uerr := s.store.UpdateStatus(ctx, r.ID, review.StatusFailed, "start", err.Error()); uerr != nil {
			s.logger.Error(ctx, "failed to mark review failed", zap.Error(uerr))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start review")
	}

	handle := fmt.Sprintf("%s/%s", run.GetID(), run.GetRunID())
	if err := s.store.SetRunHandle(ctx, r.ID, handle); err != nil {
		s.logger.Error(ctx, "failed to record run handle", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record run handle")
	}

	s.logger.Info(ctx, "review submitted",
		zap.String("user_id", r.UserID),
		zap.String("run_handle", handle),
	)
	return c.JSON(http.StatusAccepted, CreateReviewResponse{ID: r.ID, Status: r.Status})
}

// handleGetReview returns a review with its findings, ordered by severity,
// and any remediations.
func (s *Server) handleGetReview(c echo.Context) error {
	ctx := logging.WithReviewID(c.Request().Context(), c.Param("id"))

	r, err := s.store.GetReview(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "review not found")
		}
		s.logger.Error(ctx, "failed to load review", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load review")
	}

	findings, err := s.store.ListFindings(ctx, r.ID)
	if err != nil {
		s.logger.Error(ctx, "failed to load findings", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load findings")
	}
	remediations, err := s.store.ListRemediations(ctx, r.ID)
	if err != nil {
		s.logger.Error(ctx, "failed to load remediations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load remediations")
	}

	return c.JSON(http.StatusOK, ReviewResponse{
		Review:       r,
		Findings:     findings,
		Remediations: remediations,
	})
}

// handleApproval routes a human decision to the suspended pipeline run.
// Decisions for finished reviews are acknowledged without effect.
func (s *Server) handleApproval(c echo.Context) error {
	ctx := logging.WithReviewID(c.Request().Context(), c.Param("id"))

	var decision review.ApprovalDecision
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := decision.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	r, err := s.store.GetReview(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "review not found")
		}
		s.logger.Error(ctx, "failed to load review", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load review")
	}

	if r.Status.Terminal() {
		return c.JSON(http.StatusOK, ApprovalResponse{ID: r.ID, Status: r.Status, Applied: false})
	}

	workflowID, runID := splitRunHandle(r.RunHandle, r.ID)
	err = s.temporal.SignalWorkflow(ctx, workflowID, runID, workflows.ApprovalSignal, decision)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			// The run already resumed or expired; the decision has no
			// target anymore and is acknowledged without effect.
			s.logger.Info(ctx, "approval decision arrived after the run finished")
			return c.JSON(http.StatusOK, ApprovalResponse{ID: r.ID, Status: r.Status, Applied: false})
		}
		s.logger.Error(ctx, "failed to signal review", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "failed to deliver decision")
	}

	s.logger.Info(ctx, "approval decision delivered",
		zap.Bool("approved", decision.Approved),
		zap.Int("finding_ids", len(decision.FindingIDs)),
	)
	return c.JSON(http.StatusOK, ApprovalResponse{ID: r.ID, Status: r.Status, Applied: true})
}

// splitRunHandle resolves the workflow and run ids from the handle recorded
// at submission ("workflowID/runID"), so the decision targets the exact run
// that was started. A review whose handle was never written falls back to
// the deterministic workflow id with an unpinned run.
func splitRunHandle(handle, reviewID string) (workflowID, runID string) {
	if workflowID, runID, ok := strings.Cut(handle, "/"); ok && workflowID != "" {
		return workflowID, runID
	}
	return workflows.WorkflowID(reviewID), ""
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
