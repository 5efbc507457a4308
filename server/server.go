// Package server exposes an HTTP API that starts investigations in the
// background and serves their audit records.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/martinemde/debugagent/investigation"
	"github.com/martinemde/debugagent/store"
)

// Starter prepares investigations. *investigation.Investigator satisfies it.
type Starter interface {
	Start(ctx context.Context, req investigation.Request) (*investigation.Investigation, error)
}

// RunReader serves recorded runs. *store.DB satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	Transcript(ctx context.Context, runID string) ([]store.Message, error)
}

// Server runs investigations requested over HTTP. Every run gets its own
// context derived from the base context passed to New.
type Server struct {
	base     context.Context
	starter  Starter
	runs     RunReader
	defaults investigation.Target
	logger   *slog.Logger
	engine   *gin.Engine
	wg       sync.WaitGroup
}

// New builds the server. defaults fill fields a request leaves empty.
func New(base context.Context, starter Starter, runs RunReader, defaults investigation.Target, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		base:     base,
		starter:  starter,
		runs:     runs,
		defaults: defaults,
		logger:   logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/api/v1")
	{
		v1.POST("/investigations", s.handleStart)
		v1.GET("/investigations", s.handleList)
		v1.GET("/investigations/:id", s.handleGet)
		v1.GET("/investigations/:id/transcript", s.handleTranscript)
	}
	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Wait blocks until every background run has finished.
func (s *Server) Wait() { s.wg.Wait() }

type startRequest struct {
	FunctionName  string `json:"function_name"`
	ProjectID     string `json:"project_id"`
	Note          string `json:"note" binding:"max=2000"`
	MaxIterations int    `json:"max_iterations" binding:"omitempty,min=1,max=100"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	target := s.defaults
	if req.FunctionName != "" {
		target.FunctionName = req.FunctionName
	}
	if req.ProjectID != "" {
		target.ProjectID = req.ProjectID
	}
	target.Note = req.Note

	x, err := s.starter.Start(c.Request.Context(), investigation.Request{Target: target, MaxIterations: req.MaxIterations})
	if errors.Is(err, investigation.ErrInvalidTarget) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("starting investigation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		go s.drain(x)
		x.Execute(s.base)
	}()

	c.JSON(http.StatusAccepted, gin.H{"id": x.ID(), "status": store.StatusRunning})
}

// drain logs a background run's tool activity.
func (s *Server) drain(x *investigation.Investigation) {
	for ev := range x.Events() {
		s.logger.Debug("run event", "run_id", ev.RunID, "kind", ev.Kind, "round", ev.Round)
	}
}

func (s *Server) handleList(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"investigations": runs})
}

func (s *Server) handleGet(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleTranscript(c *gin.Context) {
	msgs, err := s.runs.Transcript(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "messages": msgs})
}

func (s *Server) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "investigation not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
