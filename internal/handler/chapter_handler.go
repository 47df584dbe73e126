package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"paywall/internal/models"
	"paywall/internal/service"
)

type ChapterHandler struct {
	logger *log.Logger
	gate   *service.AccessGate
}

func NewChapterHandler(logger *log.Logger, gate *service.AccessGate) *ChapterHandler {
	return &ChapterHandler{
		logger: logger,
		gate:   gate,
	}
}

func (h *ChapterHandler) Status(c *gin.Context) {
	status, err := h.gate.Status(c.Request.Context(), UserID(c), c.Param("chapterId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ChapterHandler) Content(c *gin.Context) {
	view, err := h.gate.Render(c.Request.Context(), UserID(c), c.Param("chapterId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type LibraryResponsePayload struct {
	Chapters []models.LibraryEntry `json:"chapters"`
}

func (h *ChapterHandler) Library(c *gin.Context) {
	entries, err := h.gate.Library(c.Request.Context(), UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LibraryResponsePayload{Chapters: entries})
}

func (h *ChapterHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Status: "failed", Message: err.Error()})
	case errors.Is(err, service.ErrAuthenticationRequired):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Status: "failed", Message: err.Error()})
	default:
		h.logger.Printf("Error serving %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Status: "failed", Message: "an unexpected error occurred"})
	}
}
