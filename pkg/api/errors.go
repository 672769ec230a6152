package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewline/crewline/pkg/crewerr"
)

// Sentinel errors for the run registry.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotCancellable = errors.New("run is not in a cancellable state")
)

// abortWithError maps registry and runtime errors to HTTP responses.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrRunNotFound.Error()})
	case errors.Is(err, ErrRunNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": ErrRunNotCancellable.Error()})
	case crewerr.CodeOf(err) == crewerr.CodeValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
