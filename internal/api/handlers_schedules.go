package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/domain"
)

// scheduleRequest is the body of create and update calls.
type scheduleRequest struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Trigger string   `json:"trigger"`
	Paths   []string `json:"paths"`
	Active  *bool    `json:"active"`
}

func (r scheduleRequest) definition() *domain.ScheduleDefinition {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &domain.ScheduleDefinition{
		Name:        r.Name,
		Kind:        domain.OperationKind(r.Kind),
		TriggerSpec: r.Trigger,
		Paths:       r.Paths,
		Active:      active,
	}
}

func (s *RESTServer) getSchedules(c *gin.Context) {
	schedules, err := s.scheduler.ListSchedules(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (s *RESTServer) getSchedule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	sd, err := s.scheduler.GetSchedule(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sd)
}

func (s *RESTServer) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	sd := req.definition()
	if err := s.scheduler.CreateSchedule(c.Request.Context(), sd); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sd)
}

func (s *RESTServer) updateSchedule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	current, err := s.scheduler.GetSchedule(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	sd := req.definition()
	sd.ID = id
	if req.Active == nil {
		sd.Active = current.Active
	}
	if err := s.scheduler.UpdateSchedule(c.Request.Context(), sd); err != nil {
		respondServiceError(c, err)
		return
	}
	updated, err := s.scheduler.GetSchedule(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *RESTServer) deleteSchedule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.scheduler.DeleteSchedule(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule deleted"})
}
