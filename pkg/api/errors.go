package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/taskstore"
)

// writeError maps domain errors to HTTP responses. Validation failures are
// the client's fault; everything unclassified is a 500 with the detail kept
// in the log, not the response.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, contract.ErrEmptyMandate),
		errors.Is(err, contract.ErrInvalidMaxTicks),
		errors.Is(err, contract.ErrInvalidCorrelationID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, taskstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		s.log.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
