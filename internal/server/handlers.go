package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/berth-dev/keel/internal/plan"
	"github.com/berth-dev/keel/internal/session"
	"github.com/berth-dev/keel/internal/store"
	"github.com/berth-dev/keel/internal/workitem"
)

type createWorkItemRequest struct {
	// Plan is a markdown plan. When set, Title and Phases are ignored.
	Plan        string           `json:"plan"`
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	WorkingDir  string           `json:"workingDir"`
	Phases      []workitem.Phase `json:"phases"`
}

type startRequest struct {
	PhaseID            string `json:"phaseId"`
	UserID             string `json:"userId"`
	Message            string `json:"message"`
	PauseBetweenPhases *bool  `json:"pauseBetweenPhases"`
}

type messageRequest struct {
	Text   string `json:"text" binding:"required"`
	UserID string `json:"userId"`
}

type resumeRequest struct {
	Feedback string `json:"feedback" binding:"required"`
	UserID   string `json:"userId"`
}

// workingDir resolves a client-supplied directory against the workspace
// root and refuses anything outside it.
func (s *Server) workingDir(dir string) (string, error) {
	if s.workspaceRoot == "" {
		return "", errors.New("workingDir is not accepted without a workspace root")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.workspaceRoot, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(s.workspaceRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workingDir %s is outside the workspace root", dir)
	}
	return dir, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateWorkItem(c *gin.Context) {
	var req createWorkItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	var item *workitem.WorkItem
	if strings.TrimSpace(req.Plan) != "" {
		parsed, err := plan.ParsePlan(req.Plan)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		item = parsed
	} else {
		if req.Title == "" || len(req.Phases) == 0 {
			badRequest(c, "title and at least one phase are required")
			return
		}
		item = &workitem.WorkItem{Title: req.Title, Description: req.Description, Phases: req.Phases}
	}
	if req.ID != "" {
		item.ID = req.ID
	}
	if req.WorkingDir != "" {
		dir, err := s.workingDir(req.WorkingDir)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		item.WorkingDir = dir
	}

	if err := s.store.CreateWorkItem(c.Request.Context(), item); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleListWorkItems(c *gin.Context) {
	items, err := s.store.ListWorkItems(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*workitem.WorkItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleGetWorkItem(c *gin.Context) {
	item, err := s.store.GetWorkItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleMessages(c *gin.Context) {
	msgs, err := s.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []workitem.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleIdeas(c *gin.Context) {
	ideas, err := s.store.Ideas(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if ideas == nil {
		ideas = []workitem.Idea{}
	}
	c.JSON(http.StatusOK, ideas)
}

func (s *Server) handleExecutionStatus(c *gin.Context) {
	snap, ok := s.manager.Status(c.Param("id"))
	if !ok {
		writeError(c, session.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Sessions())
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	snap, err := s.manager.Start(c.Request.Context(), c.Param("id"), session.StartOptions{
		PhaseID:            req.PhaseID,
		UserID:             req.UserID,
		Message:            req.Message,
		PauseBetweenPhases: req.PauseBetweenPhases,
	})
	respond(c, snap, err)
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	snap, err := s.manager.SendMessage(c.Request.Context(), c.Param("id"), req.Text, req.UserID)
	respond(c, snap, err)
}

func (s *Server) handleAbort(c *gin.Context) {
	snap, err := s.manager.Abort(c.Request.Context(), c.Param("id"))
	respond(c, snap, err)
}

func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	snap, err := s.manager.ResumeWithFeedback(c.Request.Context(), c.Param("id"), req.Feedback, req.UserID)
	respond(c, snap, err)
}

func (s *Server) handleContinue(c *gin.Context) {
	snap, err := s.manager.Continue(c.Request.Context(), c.Param("id"))
	respond(c, snap, err)
}

func respond(c *gin.Context, snap session.Snapshot, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionRunning),
		errors.Is(err, session.ErrNotBlocked),
		errors.Is(err, session.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, session.ErrPhaseNotFound):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoPhases), errors.Is(err, session.ErrInvalidWorkdir):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
