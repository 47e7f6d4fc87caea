/*
Copyright 2024 Logipool Authors.

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/logipool/logipool"
	"github.com/logipool/logipool/api/middleware"
	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/internal/apierror"
)

type Api struct {
	logipool *logipool.Logipool
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/contributions", a.CreateContribution)
	router.GET("/contributions/:id", a.GetContribution)

	router.GET("/pools/:id", a.GetPool)
	router.POST("/pools/:id/accept", a.AcceptPool)
	router.POST("/pools/:id/complete", a.CompletePool)
	router.GET("/regions/:region/ready-pools", a.GetReadyPools)

	router.POST("/providers", a.RegisterProvider)
	router.GET("/providers/:id", a.GetProvider)
	router.PUT("/providers/:id/availability", a.SetProviderAvailability)
	router.POST("/providers/:id/accept-next", a.AcceptNextPool)

	router.GET("/rewards/:contributor_id", a.GetRewardAccount)
	router.GET("/categories", a.GetCategories)

	hooks := router.Group("/hooks")
	{
		hooks.POST("", a.RegisterHook)
		hooks.GET("", a.ListHooks)
		hooks.GET("/:id", a.GetHook)
		hooks.PUT("/:id", a.UpdateHook)
		hooks.DELETE("/:id", a.DeleteHook)
	}
	return a.router
}

func NewAPI(l *logipool.Logipool) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("LOGIPOOL"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	if conf.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return &Api{logipool: l, router: r}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

func (a Api) GetCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"item_types": a.logipool.Registry().ItemTypes()})
}
