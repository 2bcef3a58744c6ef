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
	"io"

	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/prospekt/fanout"
)

// StreamEvents streams fanout events as server-sent events until the client
// goes away. ?job_id= narrows the stream to one job.
func (a Api) StreamEvents(c *gin.Context) {
	var filter fanout.Filter
	if jobID := c.Query("job_id"); jobID != "" {
		filter = fanout.ForJob(jobID)
	}

	sub := a.prospekt.Broker().Subscribe(filter)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		}
	})
}
