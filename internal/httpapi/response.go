package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swiftgrid/worker/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// respondAPIErr renders an *apierr.Error, which bundles the HTTP status,
// machine-readable code, and underlying error into one value so a lookup
// failure can be built once at the point it occurs and handed off as a unit.
func respondAPIErr(c *gin.Context, ae *apierr.Error) {
	c.JSON(ae.Status, ErrorEnvelope{Error: APIError{Message: ae.Error(), Code: ae.Code}})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
