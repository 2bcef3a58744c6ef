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
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/prospekt/api/model"
	"github.com/blnkfinance/prospekt/model"
)

// submitTimeout bounds how long a request waits for room in the ingest buffer.
const submitTimeout = 2 * time.Second

func (a Api) SubmitCandidate(c *gin.Context) {
	var candidate model2.SubmitCandidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := candidate.ValidateSubmitCandidate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	raw := candidate.ToRawCandidate()
	if raw.CandidateID == "" {
		raw.CandidateID = model.GenerateUUIDWithSuffix("cnd")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout)
	defer cancel()
	if err := a.prospekt.Sink().Submit(ctx, raw); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"candidate_id": raw.CandidateID, "prospect_id": model.ProspectIDForCandidate(raw.CandidateID)})
}

func (a Api) GetProspect(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.prospekt.Engine().Lookup(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
