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

	"github.com/carenote/carenote/internal/hooks"
)

func redactAll(list []*hooks.Hook) []*hooks.Hook {
	out := make([]*hooks.Hook, len(list))
	for i, h := range list {
		out[i] = h.Redacted()
	}
	return out
}

// RegisterHook subscribes an endpoint to stage or conflict events.
func (a *Api) RegisterHook(c *gin.Context) {
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		invalidInput(c, err)
		return
	}
	if err := a.carenote.Hooks().RegisterHook(c.Request.Context(), &hook); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hook.Redacted())
}

func (a *Api) UpdateHook(c *gin.Context) {
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		invalidInput(c, err)
		return
	}
	if err := a.carenote.Hooks().UpdateHook(c.Request.Context(), c.Param("id"), &hook); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hook.Redacted())
}

func (a *Api) GetHook(c *gin.Context) {
	hook, err := a.carenote.Hooks().GetHook(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hook.Redacted())
}

// ListHooks lists hooks of the type in the query, or all of them.
func (a *Api) ListHooks(c *gin.Context) {
	list, err := a.carenote.Hooks().ListHooks(c.Request.Context(), hooks.HookType(c.Query("type")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, redactAll(list))
}

func (a *Api) DeleteHook(c *gin.Context) {
	if err := a.carenote.Hooks().DeleteHook(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "hook deleted successfully"})
}
