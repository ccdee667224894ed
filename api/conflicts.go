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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carenote/carenote"
	model2 "github.com/carenote/carenote/api/model"
	"github.com/carenote/carenote/model"
)

func (a Api) ListConflicts(c *gin.Context) {
	status := model.ConflictStatus(c.DefaultQuery("status", string(model.ConflictOpen)))
	if status != model.ConflictOpen && status != model.ConflictResolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open or resolved"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	conflicts, err := a.carenote.ListConflicts(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []*model.ConflictRecord{}
	}
	c.JSON(http.StatusOK, conflicts)
}

func (a Api) GetConflict(c *gin.Context) {
	conflict, err := a.carenote.GetConflict(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

func (a Api) ResolveConflict(c *gin.Context) {
	var req model2.ResolveConflict
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := req.ValidateResolveConflict(); err != nil {
		invalidInput(c, err)
		return
	}

	conflict, err := a.carenote.ResolveConflict(c.Request.Context(), c.Param("id"), carenote.ConflictDecision{
		Resolution: req.Resolution,
		Note:       req.Note,
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

func (a Api) DeleteConflict(c *gin.Context) {
	if err := a.carenote.DeleteConflict(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conflict deleted successfully"})
}
