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
)

func (a Api) CreateJob(c *gin.Context) {
	var newJob model2.CreateJob
	if err := c.ShouldBindJSON(&newJob); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newJob.ValidateCreateJob()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	job, err := a.prospekt.Orchestrator().Start(c.Request.Context(), newJob.ToJobRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job.Snapshot())
}

func (a Api) GetRunningJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": a.prospekt.Orchestrator().Running()})
}

func (a Api) GetJob(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.prospekt.Orchestrator().Result(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) StopJob(c *gin.Context) {
	a.controlJob(c, a.prospekt.Orchestrator().Stop)
}

func (a Api) PauseJob(c *gin.Context) {
	a.controlJob(c, a.prospekt.Orchestrator().Pause)
}

func (a Api) ResumeJob(c *gin.Context) {
	a.controlJob(c, a.prospekt.Orchestrator().Resume)
}

func (a Api) controlJob(c *gin.Context, action func(jobID string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		respondError(c, err)
		return
	}

	job, err := a.prospekt.Orchestrator().Get(id)
	if err != nil {
		// The job finished between the action and the lookup.
		resp, err := a.prospekt.Orchestrator().Result(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}
