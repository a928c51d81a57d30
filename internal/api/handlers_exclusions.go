package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/exclusion"
)

type exclusionRequest struct {
	Type  string `json:"type" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (s *RESTServer) getExclusions(c *gin.Context) {
	rules, err := s.repo.ListExclusions(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// createExclusion stores a rule. It applies from the next operation start;
// a running operation keeps the filter it started with.
func (s *RESTServer) createExclusion(c *gin.Context) {
	var req exclusionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	rule, err := exclusion.NormalizeRule(domain.ExclusionRule{
		Type:  domain.RuleType(req.Type),
		Value: req.Value,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if err := s.repo.CreateExclusion(c.Request.Context(), &rule); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *RESTServer) deleteExclusion(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.repo.DeleteExclusion(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Exclusion deleted"})
}
