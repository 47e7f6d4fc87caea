package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/internal/hooks"
)

// hookManager aborts with 503 when the engine runs without Redis.
func (a *Api) hookManager(c *gin.Context) (hooks.HookManager, bool) {
	manager := a.logipool.Hooks()
	if manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hooks are not configured"})
		return nil, false
	}
	return manager, true
}

// RegisterHook handles the registration of a new webhook.
func (a *Api) RegisterHook(c *gin.Context) {
	manager, ok := a.hookManager(c)
	if !ok {
		return
	}
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid hook data", err))
		return
	}

	if err := manager.RegisterHook(c.Request.Context(), &hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to register hook", err))
		return
	}

	c.JSON(http.StatusCreated, hook)
}

// UpdateHook handles updating an existing webhook.
func (a *Api) UpdateHook(c *gin.Context) {
	manager, ok := a.hookManager(c)
	if !ok {
		return
	}
	hookID := c.Param("id")
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid hook data", err))
		return
	}

	if err := manager.UpdateHook(c.Request.Context(), hookID, &hook); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, hook)
}

// GetHook retrieves a specific webhook by ID.
func (a *Api) GetHook(c *gin.Context) {
	manager, ok := a.hookManager(c)
	if !ok {
		return
	}
	hook, err := manager.GetHook(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, apierror.NewAPIError(apierror.ErrNotFound, "hook not found", err))
		return
	}

	c.JSON(http.StatusOK, hook)
}

// ListHooks retrieves all hooks of a specific type.
func (a *Api) ListHooks(c *gin.Context) {
	manager, ok := a.hookManager(c)
	if !ok {
		return
	}
	hookType := hooks.HookType(c.Query("type"))
	list, err := manager.ListHooks(c.Request.Context(), hookType)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to list hooks", err))
		return
	}

	c.JSON(http.StatusOK, list)
}

// DeleteHook removes a webhook by ID.
func (a *Api) DeleteHook(c *gin.Context) {
	manager, ok := a.hookManager(c)
	if !ok {
		return
	}
	if err := manager.DeleteHook(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to delete hook", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "hook deleted successfully"})
}
