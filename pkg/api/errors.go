package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/store"
)

// respondStoreError maps store-layer errors onto the error taxonomy:
// validation breaches are 400 with per-field messages, missing recipes
// are 404, persistence failures are 500.
func respondStoreError(c *gin.Context, err error) {
	var validationErrs models.ValidationErrors
	if errors.As(err, &validationErrs) {
		respondError(c, http.StatusBadRequest, "recipe validation failed", validationErrs.Messages()...)
		return
	}
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		respondError(c, http.StatusBadRequest, "recipe validation failed", validationErr.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "recipe not found")
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		slog.Error("Recipe store unavailable", "error", err)
		respondError(c, http.StatusInternalServerError, "recipe store unavailable")
		return
	}

	slog.Error("Unexpected store error", "error", err)
	respondError(c, http.StatusInternalServerError, "internal server error")
}
