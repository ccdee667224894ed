/*
Copyright 2024 Carenote Authors.

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
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/carenote/carenote/api/model"
)

func (a Api) GetConsultation(c *gin.Context) {
	rec, err := a.carenote.GetConsultation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a Api) GetStageResults(c *gin.Context) {
	results, err := a.carenote.GetStageResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a Api) CancelConsultation(c *gin.Context) {
	var req model2.CancelConsultation
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := req.ValidateCancelConsultation(); err != nil {
		invalidInput(c, err)
		return
	}

	rec, err := a.carenote.CancelConsultation(c.Request.Context(), c.Param("id"), req.DeviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a Api) RetryConsultation(c *gin.Context) {
	rec, err := a.carenote.RetryConsultation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RecoverStuckConsultations resubmits consultations idle for longer than the
// optional threshold query parameter, or the configured threshold.
func (a Api) RecoverStuckConsultations(c *gin.Context) {
	threshold := time.Duration(a.conf.Pipeline.StuckAfterSec) * time.Second
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a positive duration such as 10m"})
			return
		}
		threshold = parsed
	}

	recovered, err := a.carenote.RecoverStuckConsultations(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": recovered, "threshold": threshold.String()})
}
