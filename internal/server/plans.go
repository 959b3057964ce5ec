package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/projects/:project/plans
func (s *Server) handleListPlans(c *gin.Context) {
	plans, err := s.plans.List(c.Param("project"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GET /api/v1/projects/:project/plans/:planId
func (s *Server) handleGetPlan(c *gin.Context) {
	p, err := s.plans.Get(c.Param("project"), c.Param("planId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type createPlanRequest struct {
	Objective string `json:"objective" binding:"required"`
}

// POST /api/v1/projects/:project/plans spawns a planning session that will
// decompose the objective into a task DAG.
func (s *Server) handleCreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	p, err := s.plans.Create(c.Request.Context(), c.Param("project"), req.Objective)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// POST /api/v1/projects/:project/plans/:planId/approve files tracker issues
// for the tasks and spawns the ones with no pending dependencies.
func (s *Server) handleApprovePlan(c *gin.Context) {
	p, err := s.plans.Approve(c.Request.Context(), c.Param("project"), c.Param("planId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// POST /api/v1/projects/:project/plans/:planId/spawn starts any tasks whose
// dependencies have merged since the last cycle.
func (s *Server) handleSpawnTasks(c *gin.Context) {
	spawned, err := s.plans.SpawnReadyTasks(c.Request.Context(), c.Param("project"), c.Param("planId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spawned": spawned})
}

// POST /api/v1/projects/:project/plans/:planId/reconcile spawns an
// integration session over the plan's merged branches.
func (s *Server) handleSpawnReconcile(c *gin.Context) {
	sess, err := s.reconciler.SpawnForPlan(c.Request.Context(), c.Param("project"), c.Param("planId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}
