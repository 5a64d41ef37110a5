package httpapi

import (
	"github.com/gin-gonic/gin"

	"exsa/internal/apierrors"
	"exsa/internal/model"
)

// handleLoadModel implements POST /v1/models/load (spec.md §6): loads the
// named model if not already resident, then switches the manager's active
// pointer to it, rejecting the switch while any request is queued.
// Grounded on original_source/src/api/lifecycle.rs's load_model.
func (s *server) handleLoadModel(c *gin.Context) {
	var req LoadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.New("httpapi.LoadModel", apierrors.ErrInvalidParameters, err.Error()))
		return
	}
	if req.ModelPath == "" {
		writeError(c, apierrors.New("httpapi.LoadModel", apierrors.ErrInvalidParameters, "model_path must not be empty"))
		return
	}

	gpuLayers := 0
	if req.GPULayers != nil {
		gpuLayers = *req.GPULayers
	}

	name := model.ExtractModelName(req.ModelPath)
	handle, err := s.Models.Load(name, req.ModelPath, gpuLayers)
	if err != nil {
		writeError(c, err)
		return
	}

	queueEmpty := func() bool { return s.Queue.PendingCount() == 0 && s.Queue.ActiveCount() == 0 }
	if err := s.Models.Switch(name, queueEmpty); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(200, ModelInfoResponse{
		ModelPath:   handle.Path(),
		ContextSize: s.ContextSize,
		GPULayers:   handle.GPULayers(),
	})
}

// handleModelsList implements GET /v1/models/list (spec.md §6): enumerates
// the .gguf files under the configured models directory. Grounded on
// original_source/src/api/lifecycle.rs's list_models.
func (s *server) handleModelsList(c *gin.Context) {
	files, err := model.ListGGUFFiles(s.modelsDir())
	if err != nil {
		writeError(c, apierrors.New("httpapi.ModelsList", apierrors.ErrInternal, err.Error()))
		return
	}
	c.JSON(200, ModelsListResponse{Models: files})
}

// handleActiveModel implements GET /v1/models/active (supplemented
// feature), grounded on lifecycle.rs's get_active_model.
func (s *server) handleActiveModel(c *gin.Context) {
	handle, ok := s.Models.ActiveHandle()
	if !ok {
		writeError(c, apierrors.New("httpapi.ActiveModel", apierrors.ErrModelNotLoaded, "no model is currently loaded"))
		return
	}
	c.JSON(200, ActiveModelResponse{
		Name:        handle.Name(),
		ModelPath:   handle.Path(),
		ContextSize: s.ContextSize,
		GPULayers:   handle.GPULayers(),
	})
}

// handleModelInfo implements GET /v1/model/info (supplemented feature),
// grounded on handlers.rs's model_info.
func (s *server) handleModelInfo(c *gin.Context) {
	handle, ok := s.Models.ActiveHandle()
	if !ok {
		writeError(c, apierrors.New("httpapi.ModelInfo", apierrors.ErrModelNotLoaded, "no model is currently loaded"))
		return
	}
	c.JSON(200, ModelInfoResponse{
		ModelPath:   handle.Path(),
		ContextSize: s.ContextSize,
		GPULayers:   handle.GPULayers(),
	})
}
