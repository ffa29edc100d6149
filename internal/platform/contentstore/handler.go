package contentstore

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	ContentRef string `json:"content_ref"`
}

// Handler exposes an Uploader over HTTP.
type Handler struct {
	store  Uploader
	logger zerolog.Logger
}

func NewHandler(store Uploader, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "contentstore").Logger()}
}

// RegisterRoutes mounts the upload route on g behind m. Documents are never
// served back; readers resolve the reference against the content network.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.POST("/uploads", h.handleUpload, m...)
}

func (h *Handler) handleUpload(c echo.Context) error {
	var doc Document
	if err := c.Bind(&doc); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	ref, err := h.store.Upload(c.Request().Context(), doc)
	if err != nil {
		var up *UpstreamError
		switch {
		case errors.Is(err, ErrMissingContent):
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.As(err, &up):
			h.logger.Error().Int("status", up.Status).Str("reason", up.Message).Msg("pinning service rejected upload")
			status := up.Status
			if status < 400 {
				status = http.StatusBadGateway
			}
			return c.JSON(status, errorResponse{Error: up.Message})
		default:
			h.logger.Error().Err(err).Msg("upload failed")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to store content"})
		}
	}

	h.logger.Info().Str("content_ref", ref).Msg("content stored")
	return c.JSON(http.StatusOK, uploadResponse{ContentRef: ref})
}
