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
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/prospekt"
	"github.com/blnkfinance/prospekt/internal/apierror"
	redlock "github.com/blnkfinance/prospekt/internal/lock"
	"github.com/blnkfinance/prospekt/pool"
)

// toAPIError maps a domain error onto the error code it is reported with.
func toAPIError(err error) apierror.APIError {
	switch {
	case errors.Is(err, prospekt.ErrJobNotFound),
		errors.Is(err, prospekt.ErrProspectNotFound),
		errors.Is(err, prospekt.ErrScheduleNotFound),
		errors.Is(err, pool.ErrEntryNotFound):
		return apierror.NewAPIError(apierror.ErrNotFound, err.Error(), nil)
	case errors.Is(err, prospekt.ErrInvalidJob),
		errors.Is(err, prospekt.ErrUnknownSource),
		errors.Is(err, prospekt.ErrInvalidSchedule),
		errors.Is(err, pool.ErrInvalidEntry),
		prospekt.IsValidationError(err):
		return apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil)
	case errors.Is(err, prospekt.ErrJobStopped):
		return apierror.NewAPIError(apierror.ErrConflict, err.Error(), nil)
	case errors.Is(err, redlock.ErrLockTimeout):
		return apierror.NewAPIError(apierror.ErrConflict, err.Error(), nil)
	case errors.Is(err, prospekt.ErrPipelineOverload):
		return apierror.NewAPIError(apierror.ErrTooManyRequest, err.Error(), nil)
	case errors.Is(err, prospekt.ErrPipelineStopped),
		errors.Is(err, prospekt.ErrPoolExhausted):
		return apierror.NewAPIError(apierror.ErrUnavailable, err.Error(), nil)
	default:
		return apierror.NewAPIError(apierror.ErrInternalServer, "internal server error", err.Error())
	}
}

func respondError(c *gin.Context, err error) {
	apiErr := toAPIError(err)
	c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr.Message, "code": apiErr.Code})
}
