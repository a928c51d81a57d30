package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
)

// getFiles lists tracked files ordered by path, optionally filtered by
// ?status=.
func (s *RESTServer) getFiles(c *gin.Context) {
	p := ParsePagination(c, DefaultPaginationConfig())

	status := domain.FileStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}

	files, total, err := s.repo.ListFiles(c.Request.Context(), db.FileFilter{
		Status: status,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if files == nil {
		files = []domain.TrackedFile{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       files,
		"pagination": NewPaginationResponse(p, total),
	})
}

func (s *RESTServer) getFileSummary(c *gin.Context) {
	counts, err := s.repo.FileSummary(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_status": counts,
	})
}

type markGoodRequest struct {
	Good *bool `json:"good"`
}

// setFileGood sets or clears the marked-good override. An empty body marks
// the file good.
func (s *RESTServer) setFileGood(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req markGoodRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	good := true
	if req.Good != nil {
		good = *req.Good
	}

	ctx := c.Request.Context()
	if err := s.repo.SetMarkedGood(ctx, id, good); err != nil {
		respondServiceError(c, err)
		return
	}
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// rescanRequest is the body of POST /files/rescan. Type is one of selected,
// corrupted, error or all; FileIDs is used by selected only.
type rescanRequest struct {
	Type    string  `json:"type"`
	FileIDs []int64 `json:"file_ids"`
}

// resetForRescan flags files for re-evaluation by the next scan. It is
// refused while an operation is running.
func (s *RESTServer) resetForRescan(c *gin.Context) {
	var req rescanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	scope, err := db.ParseRescanScope(req.Type)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}
	if scope == db.RescanSelected && len(req.FileIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_ids is required for selected"})
		return
	}
	if active, ok := s.operations.Active(); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":       ErrMsgBusy,
			"active_id":   active.ID,
			"active_kind": active.Kind,
		})
		return
	}

	n, err := s.repo.ResetForRescan(c.Request.Context(), scope, req.FileIDs)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":  scope,
		"count": n,
	})
}
