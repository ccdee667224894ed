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

	"github.com/gin-gonic/gin"

	model2 "github.com/carenote/carenote/api/model"
)

// Sync applies a device's batch and returns the per-operation outcomes along
// with the server changes since the device's cursor.
func (a Api) Sync(c *gin.Context) {
	var req model2.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := req.ValidateSyncRequest(a.conf.Sync.MaxBatchOperations); err != nil {
		invalidInput(c, err)
		return
	}

	resp, err := a.carenote.Sync(c.Request.Context(), req.ToEnvelope())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
