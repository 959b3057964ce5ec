package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/store"
)

const defaultEventLimit = 100

// GET /api/v1/projects/:project/events
//
// Query params: types and priorities are comma-separated, since is RFC3339,
// session narrows to one session, limit/offset page through the log
// newest-first.
func (s *Server) handleQueryEvents(c *gin.Context) {
	filter := store.EventFilter{
		SessionID: c.Query("session"),
		Limit:     defaultEventLimit,
	}

	if raw := c.Query("types"); raw != "" {
		filter.Types = strings.Split(raw, ",")
	}
	if raw := c.Query("priorities"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			filter.Priorities = append(filter.Priorities, events.Priority(p))
		}
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + err.Error()})
			return
		}
		filter.Since = since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = offset
	}

	evs, err := s.stores.Events(c.Param("project")).Query(filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// GET /api/v1/projects/:project/outcomes
func (s *Server) handleListOutcomes(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	outs, err := s.stores.Outcomes(c.Param("project")).Recent(limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outs})
}

// GET /api/v1/projects/:project/lessons
func (s *Server) handleLessons(c *gin.Context) {
	lessons := s.outcomes.Lessons(c.Param("project"))
	if lessons == nil {
		lessons = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"lessons": lessons})
}

// GET /api/v1/projects/:project/summary
func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"summary": s.outcomes.Summary(c.Param("project"))})
}
