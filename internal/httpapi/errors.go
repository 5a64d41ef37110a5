package httpapi

import (
	"github.com/gin-gonic/gin"

	"exsa/internal/apierrors"
)

// writeError maps err through apierrors' taxonomy and writes the matching
// JSON error body and HTTP status (spec.md §7), mirroring the Op/Message
// wrapping original_source's IntoResponse performs for axum.
func writeError(c *gin.Context, err error) {
	c.JSON(apierrors.StatusCode(err), ErrorResponse{
		Error: err.Error(),
		Code:  apierrors.Code(err),
	})
}
