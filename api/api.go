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
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/prospekt"
	"github.com/blnkfinance/prospekt/api/middleware"
	"github.com/blnkfinance/prospekt/config"
)

type Api struct {
	prospekt *prospekt.Prospekt
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/jobs", a.CreateJob)
	router.GET("/jobs", a.GetRunningJobs)
	router.GET("/jobs/:id", a.GetJob)
	router.POST("/jobs/:id/stop", a.StopJob)
	router.POST("/jobs/:id/pause", a.PauseJob)
	router.POST("/jobs/:id/resume", a.ResumeJob)

	router.POST("/schedules", a.CreateSchedule)
	router.GET("/schedules", a.GetSchedules)
	router.GET("/schedules/:id", a.GetSchedule)
	router.PUT("/schedules/:id", a.UpdateSchedule)
	router.DELETE("/schedules/:id", a.DeleteSchedule)
	router.POST("/schedules/:id/pause", a.PauseSchedule)
	router.POST("/schedules/:id/resume", a.ResumeSchedule)
	router.POST("/schedules/:id/run-now", a.RunSchedule)

	router.GET("/events", a.StreamEvents)

	router.POST("/candidates", a.SubmitCandidate)
	router.GET("/prospects/:id", a.GetProspect)

	router.POST("/pool/resources", a.UpsertResource)
	router.GET("/pool/resources/:id", a.GetResource)
	router.DELETE("/pool/resources/:id", a.RemoveResource)
	router.POST("/pool/resources/:id/revalidate", a.RevalidateResource)
	router.PUT("/pool/resources/:id/active", a.SetResourceActive)
	router.GET("/pool/:kind", a.GetPoolSnapshot)
	router.GET("/pool/:kind/stats", a.GetPoolStats)
	router.POST("/pool/:kind/reset-quota", a.ResetPoolQuota)
	return a.router
}

func NewAPI(p *prospekt.Prospekt) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		logrus.WithError(err).Error("api not started")
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(conf.ProjectName), middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running_jobs": len(p.Orchestrator().Running())})
	})

	return &Api{prospekt: p, router: r}
}
