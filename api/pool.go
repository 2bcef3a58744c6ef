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

func (a Api) UpsertResource(c *gin.Context) {
	var resource model2.UpsertResource
	if err := c.ShouldBindJSON(&resource); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := resource.ValidateUpsertResource(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.prospekt.Pool().Upsert(resource.ToResourceEntry()); err != nil {
		respondError(c, err)
		return
	}

	a.respondResource(c, resource.ID, http.StatusCreated)
}

func (a Api) GetResource(c *gin.Context) {
	a.respondResource(c, c.Param("id"), http.StatusOK)
}

func (a Api) RemoveResource(c *gin.Context) {
	if err := a.prospekt.Pool().Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a Api) RevalidateResource(c *gin.Context) {
	id := c.Param("id")
	if err := a.prospekt.Pool().Revalidate(id); err != nil {
		respondError(c, err)
		return
	}
	a.respondResource(c, id, http.StatusOK)
}

func (a Api) SetResourceActive(c *gin.Context) {
	var body model2.SetActive
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	id := c.Param("id")
	if err := a.prospekt.Pool().SetActive(id, body.Active); err != nil {
		respondError(c, err)
		return
	}
	a.respondResource(c, id, http.StatusOK)
}

func (a Api) GetPoolSnapshot(c *gin.Context) {
	kind, ok := resourceKind(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.prospekt.Pool().Snapshot(kind))
}

func (a Api) GetPoolStats(c *gin.Context) {
	kind, ok := resourceKind(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.prospekt.Pool().Stats(kind))
}

func (a Api) ResetPoolQuota(c *gin.Context) {
	kind, ok := resourceKind(c)
	if !ok {
		return
	}
	a.prospekt.Pool().ResetQuota(kind)
	c.JSON(http.StatusOK, a.prospekt.Pool().Stats(kind))
}

func (a Api) respondResource(c *gin.Context, id string, status int) {
	entry, err := a.prospekt.Pool().Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, entry)
}

func resourceKind(c *gin.Context) (model.ResourceKind, bool) {
	kind, err := model.ParseResourceKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return model.ResourceNone, false
	}
	return kind, true
}
