package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/soulsnaps/internal/memory"
)

type MemoryHandler struct {
	memories MemoryService
}

func (h *MemoryHandler) List(c *gin.Context) {
	list, err := h.memories.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	resp := MemoryListResponse{Memories: make([]MemoryResponse, 0, len(list))}
	for _, m := range list {
		resp.Memories = append(resp.Memories, newMemoryResponse(m))
	}
	c.PureJSON(http.StatusOK, resp)
}

func (h *MemoryHandler) Get(c *gin.Context) {
	m, err := h.memories.Get(c.Request.Context(), c.Param("id"))
	if err == nil && m.Deleted {
		err = memory.ErrNotFound
	}
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, newMemoryResponse(m))
}

func (h *MemoryHandler) Create(c *gin.Context) {
	var req CreateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	m, err := h.memories.Create(c.Request.Context(), &memory.Memory{
		Title:       req.Title,
		Description: req.Description,
		MoodType:    req.MoodType,
		PhotoFile:   req.PhotoFile,
		AudioFile:   req.AudioFile,
		Location:    req.Location.toLocation(),
		Affirmation: req.Affirmation,
		IsFavorite:  req.IsFavorite,
	})
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusCreated, newMemoryResponse(m))
}

func (h *MemoryHandler) Update(c *gin.Context) {
	var req UpdateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	cur, err := h.memories.Get(ctx, c.Param("id"))
	if err == nil && cur.Deleted {
		err = memory.ErrNotFound
	}
	if err != nil {
		abortStoreError(c, err)
		return
	}

	setIf(&cur.Title, req.Title)
	setIf(&cur.Description, req.Description)
	setIf(&cur.MoodType, req.MoodType)
	setIf(&cur.PhotoFile, req.PhotoFile)
	setIf(&cur.AudioFile, req.AudioFile)
	setIf(&cur.Affirmation, req.Affirmation)
	if req.Location != nil {
		cur.Location = req.Location.toLocation()
	}

	updated, err := h.memories.Update(ctx, cur)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, newMemoryResponse(updated))
}

func (h *MemoryHandler) Favorite(c *gin.Context) {
	var req FavoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	m, err := h.memories.SetFavorite(c.Request.Context(), c.Param("id"), *req.IsFavorite)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, newMemoryResponse(m))
}

func (h *MemoryHandler) Delete(c *gin.Context) {
	if err := h.memories.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abortStoreError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, Response{Code: CodeOk})
}

func abortStoreError(c *gin.Context, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
		return
	}
	AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
