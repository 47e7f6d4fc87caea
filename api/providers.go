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

	model2 "github.com/logipool/logipool/api/model"
)

func (a Api) RegisterProvider(c *gin.Context) {
	var newProvider model2.CreateProvider
	if err := c.ShouldBindJSON(&newProvider); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := newProvider.ValidateCreateProvider(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.logipool.RegisterProvider(c.Request.Context(), newProvider.ToProvider())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetProvider(c *gin.Context) {
	resp, err := a.logipool.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) SetProviderAvailability(c *gin.Context) {
	var availability model2.SetAvailability
	if err := c.ShouldBindJSON(&availability); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := availability.ValidateSetAvailability(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := a.logipool.SetProviderAvailability(c.Request.Context(), id, *availability.Available); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider_id": id, "available": *availability.Available})
}

// AcceptNextPool assigns the provider the READY pool in the region with the
// soonest deadline.
func (a Api) AcceptNextPool(c *gin.Context) {
	var next model2.AcceptNext
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := next.ValidateAcceptNext(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.logipool.AcceptNext(c.Request.Context(), c.Param("id"), next.Region)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetRewardAccount(c *gin.Context) {
	resp, err := a.logipool.GetRewardAccount(c.Request.Context(), c.Param("contributor_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
