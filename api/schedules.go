/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/prospekt/api/model"
	"github.com/blnkfinance/prospekt/model"
)

func (a Api) CreateSchedule(c *gin.Context) {
	var newSchedule model2.CreateSchedule
	if err := c.ShouldBindJSON(&newSchedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := newSchedule.ValidateCreateSchedule(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	schedule, err := a.prospekt.Scheduler().Create(c.Request.Context(), newSchedule.ToSchedule())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (a Api) GetSchedules(c *gin.Context) {
	schedules, err := a.prospekt.Scheduler().List(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (a Api) GetSchedule(c *gin.Context) {
	schedule, err := a.prospekt.Scheduler().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (a Api) UpdateSchedule(c *gin.Context) {
	var changes model2.CreateSchedule
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := changes.ValidateCreateSchedule(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	schedule, err := a.prospekt.Scheduler().Update(c.Request.Context(), c.Param("id"), changes.ToSchedule())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (a Api) DeleteSchedule(c *gin.Context) {
	if err := a.prospekt.Scheduler().Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a Api) PauseSchedule(c *gin.Context) {
	a.setScheduleStatus(c, model.SchedulePaused)
}

func (a Api) ResumeSchedule(c *gin.Context) {
	a.setScheduleStatus(c, model.ScheduleActive)
}

func (a Api) setScheduleStatus(c *gin.Context, status model.ScheduleStatus) {
	schedule, err := a.prospekt.Scheduler().SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// RunSchedule fires a schedule's job now and returns the started job.
func (a Api) RunSchedule(c *gin.Context) {
	job, err := a.prospekt.Scheduler().RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job.Snapshot())
}
