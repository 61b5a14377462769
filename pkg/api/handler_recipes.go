package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/store"
)

// handleListRecipes returns all recipes, optionally filtered on status
// and type, ordered by id.
func (s *Server) handleListRecipes(c *gin.Context) {
	filter := store.Filter{
		Status: models.RecipeStatus(c.Query("status")),
		Type:   models.RecipeType(c.Query("type")),
	}
	recipes, err := s.store.List(filter)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respondData(c, http.StatusOK, recipes)
}

// handleCreateRecipe persists a new recipe and installs its trigger.
// A recipe that saved but could not be scheduled returns 207 so the
// caller knows the trigger needs attention.
func (s *Server) handleCreateRecipe(c *gin.Context) {
	var recipe models.Recipe
	if err := c.ShouldBindJSON(&recipe); err != nil {
		respondError(c, http.StatusBadRequest, "invalid recipe payload", err.Error())
		return
	}
	if recipe.ID == "" {
		recipe.ID = uuid.NewString()
	}

	if err := s.store.Save(&recipe); err != nil {
		respondStoreError(c, err)
		return
	}

	if recipe.Schedulable() {
		if err := s.scheduler.Schedule(&recipe); err != nil {
			c.JSON(http.StatusMultiStatus, Envelope{
				Success: false,
				Data:    recipe,
				Message: "recipe saved but scheduling failed",
				Errors:  []string{err.Error()},
			})
			return
		}
	}
	respondData(c, http.StatusCreated, recipe)
}

// handleGetRecipe fetches one recipe by id.
func (s *Server) handleGetRecipe(c *gin.Context) {
	recipe, err := s.store.Load(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respondData(c, http.StatusOK, recipe)
}

// handleUpdateRecipe replaces a recipe and reconverges its trigger: a
// now-unschedulable recipe is unscheduled, a schedulable one is
// rescheduled with the new parameters.
func (s *Server) handleUpdateRecipe(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Load(id); err != nil {
		respondStoreError(c, err)
		return
	}

	var recipe models.Recipe
	if err := c.ShouldBindJSON(&recipe); err != nil {
		respondError(c, http.StatusBadRequest, "invalid recipe payload", err.Error())
		return
	}
	recipe.ID = id

	if err := s.store.Save(&recipe); err != nil {
		respondStoreError(c, err)
		return
	}

	if err := s.scheduler.Schedule(&recipe); err != nil {
		c.JSON(http.StatusMultiStatus, Envelope{
			Success: false,
			Data:    recipe,
			Message: "recipe saved but scheduling failed",
			Errors:  []string{err.Error()},
		})
		return
	}
	respondData(c, http.StatusOK, recipe)
}

// handleDeleteRecipe removes a recipe and its trigger. Idempotent.
func (s *Server) handleDeleteRecipe(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		respondStoreError(c, err)
		return
	}
	s.scheduler.Unschedule(id)
	respondMessage(c, http.StatusOK, "recipe deleted")
}
