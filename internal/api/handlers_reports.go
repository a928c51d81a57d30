package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
)

// getReports lists operation reports newest first, optionally filtered by
// ?kind=.
func (s *RESTServer) getReports(c *gin.Context) {
	p := ParsePagination(c, DefaultPaginationConfig())

	var kind domain.OperationKind
	if k := c.Query("kind"); k != "" {
		parsed, err := domain.ParseOperationKind(k)
		if err != nil {
			respondBadRequest(c, err, true)
			return
		}
		kind = parsed
	}

	reports, total, err := s.repo.ListReports(c.Request.Context(), kind, p.Limit, p.Offset)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       reports,
		"pagination": NewPaginationResponse(p, total),
	})
}

func (s *RESTServer) getReport(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	rep, err := s.repo.GetReport(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// getLatestReports returns the newest report per kind, keyed by kind. Kinds
// that never ran are omitted. ?kind= narrows the result to one kind.
func (s *RESTServer) getLatestReports(c *gin.Context) {
	kinds := domain.AllKinds
	if k := c.Query("kind"); k != "" {
		parsed, err := domain.ParseOperationKind(k)
		if err != nil {
			respondBadRequest(c, err, true)
			return
		}
		kinds = []domain.OperationKind{parsed}
	}

	ctx := c.Request.Context()
	latest := make(map[domain.OperationKind]*domain.OperationReport, len(kinds))
	for _, k := range kinds {
		rep, err := s.repo.LatestReport(ctx, k)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			respondDatabaseError(c, err)
			return
		}
		latest[k] = rep
	}
	c.JSON(http.StatusOK, latest)
}

func (s *RESTServer) deleteReport(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.repo.DeleteReport(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
