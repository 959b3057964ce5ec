package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

func (s *Server) handleListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": s.sessions.Projects()})
}

// GET /api/v1/projects/:project/sessions
func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context(), c.Param("project"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GET /api/v1/projects/:project/sessions/:id
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("project"), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type spawnSessionRequest struct {
	Issue     string `json:"issue,omitempty"`
	Objective string `json:"objective,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// POST /api/v1/projects/:project/sessions
func (s *Server) handleSpawnSession(c *gin.Context) {
	var req spawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Issue == "" && req.Objective == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue or objective is required"})
		return
	}

	sess, err := s.sessions.Spawn(c.Request.Context(), session.SpawnRequest{
		Project:   c.Param("project"),
		IssueRef:  req.Issue,
		Objective: req.Objective,
		Branch:    req.Branch,
		Agent:     req.Agent,
		Summary:   req.Summary,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// POST /api/v1/projects/:project/sessions/:id/send
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if err := s.sessions.Send(c.Request.Context(), c.Param("project"), c.Param("id"), req.Message); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

type killSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// POST /api/v1/projects/:project/sessions/:id/kill
func (s *Server) handleKillSession(c *gin.Context) {
	var req killSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	if err := s.sessions.Kill(c.Request.Context(), c.Param("project"), c.Param("id"), req.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

// POST /api/v1/projects/:project/sessions/:id/restore
func (s *Server) handleRestoreSession(c *gin.Context) {
	sess, err := s.sessions.Restore(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// POST /api/v1/projects/:project/sessions/:id/check triggers an immediate
// supervision pass over one session instead of waiting for the next cycle.
func (s *Server) handleCheckSession(c *gin.Context) {
	if err := s.engine.Check(c.Request.Context(), c.Param("project"), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	sess, err := s.sessions.Get(c.Param("project"), c.Param("id"))
	if err != nil {
		// The check itself succeeded; a terminal transition archives the
		// session before we can read it back.
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "archived"})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type overrideStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// POST /api/v1/projects/:project/sessions/:id/status forces a status, for
// operators marking a session done or stuck, or clearing a false alarm.
func (s *Server) handleOverrideStatus(c *gin.Context) {
	var req overrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	next := session.Status(req.Status)
	if !next.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + req.Status})
		return
	}

	if err := s.engine.OverrideStatus(c.Request.Context(), c.Param("project"), c.Param("id"), next); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(next)})
}
