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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/carenote/carenote"
	"github.com/carenote/carenote/api/middleware"
	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
)

type Api struct {
	carenote *carenote.Carenote
	conf     *config.Configuration
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/uploads", a.StartUpload)
	router.GET("/uploads/:id", a.GetUpload)
	router.PUT("/uploads/:id/chunks", a.PutChunk)
	router.POST("/uploads/:id/finalize", a.FinalizeUpload)

	router.POST("/sync", a.Sync)

	router.GET("/consultations/:id", a.GetConsultation)
	router.GET("/consultations/:id/results", a.GetStageResults)
	router.POST("/consultations/:id/cancel", a.CancelConsultation)
	router.POST("/consultations/:id/retry", a.RetryConsultation)

	router.GET("/conflicts", a.ListConflicts)
	router.GET("/conflicts/:id", a.GetConflict)
	router.POST("/conflicts/:id/resolve", a.ResolveConflict)
	router.DELETE("/conflicts/:id", a.DeleteConflict)

	router.POST("/hooks", a.RegisterHook)
	router.GET("/hooks", a.ListHooks)
	router.GET("/hooks/:id", a.GetHook)
	router.PUT("/hooks/:id", a.UpdateHook)
	router.DELETE("/hooks/:id", a.DeleteHook)

	router.POST("/admin/recover", a.RecoverStuckConsultations)
	router.POST("/admin/sweep-uploads", a.SweepUploads)
	return a.router
}

func NewAPI(c *carenote.Carenote) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{carenote: c, conf: conf, router: r}
}

// respondError writes err as an APIError body with the status its code maps
// to. Errors without a code are logged and reported as internal errors.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
		apiErr = apierror.APIError{Code: apierror.ErrInternalServer, Message: "internal server error"}
	}
	c.AbortWithStatusJSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
}

func invalidInput(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apierror.APIError{Code: apierror.ErrInvalidInput, Message: err.Error()})
}
