package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/operation"
	"github.com/mescon/pixelarr/internal/services"
)

// fileChangesRequest is the optional body of POST /operations/file-changes.
type fileChangesRequest struct {
	Full bool `json:"full"`
}

// bindOptionalJSON decodes a JSON body when one is present.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// respondStarted answers 202 with the new operation id, or the start error.
func (s *RESTServer) respondStarted(c *gin.Context, kind domain.OperationKind, id string, err error) {
	if err != nil {
		if errors.Is(err, operation.ErrBusy) {
			body := gin.H{"error": ErrMsgBusy}
			if active, ok := s.operations.Active(); ok {
				body["active_id"] = active.ID
				body["active_kind"] = active.Kind
			}
			c.JSON(http.StatusConflict, body)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operation_id": id,
		"kind":         kind,
	})
}

func (s *RESTServer) startScan(c *gin.Context) {
	var req services.ScanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	id, err := s.operations.StartScan(req)
	s.respondStarted(c, domain.KindScan, id, err)
}

// fileScanRequest is the body of POST /operations/scan-file.
type fileScanRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *RESTServer) startFileScan(c *gin.Context) {
	var req fileScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	id, err := s.operations.StartFileScan(req.Path)
	s.respondStarted(c, domain.KindScan, id, err)
}

func (s *RESTServer) startCleanup(c *gin.Context) {
	id, err := s.operations.StartCleanup()
	s.respondStarted(c, domain.KindCleanup, id, err)
}

func (s *RESTServer) startFileChanges(c *gin.Context) {
	var req fileChangesRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	if c.Query("full") == "true" {
		req.Full = true
	}
	id, err := s.operations.StartFileChangeCheck(req.Full)
	s.respondStarted(c, domain.KindFileChanges, id, err)
}

// parseKindParam reads the :kind path parameter, answering 400 when it
// names no operation kind.
func parseKindParam(c *gin.Context) (domain.OperationKind, bool) {
	kind, err := domain.ParseOperationKind(c.Param("kind"))
	if err != nil {
		respondBadRequest(c, err, true)
		return "", false
	}
	return kind, true
}

func (s *RESTServer) cancelOperation(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	id, err := s.operations.Cancel(kind)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operation_id":     id,
		"kind":             kind,
		"cancel_requested": true,
	})
}

func (s *RESTServer) getOperation(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	st, err := s.operations.Status(kind)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *RESTServer) getOperations(c *gin.Context) {
	resp := gin.H{"operations": s.operations.StatusAll()}
	if active, ok := s.operations.Active(); ok {
		resp["active"] = gin.H{
			"id":               active.ID,
			"kind":             active.Kind,
			"started_at":       active.StartedAt,
			"cancel_requested": active.CancelRequested,
		}
	}
	c.JSON(http.StatusOK, resp)
}
