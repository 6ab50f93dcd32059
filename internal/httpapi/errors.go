package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"changeobserver/internal/fault"
)

const (
	msgInvalidBody = "Invalid request body."
	msgConfig      = "Server configuration error."
	msgNotFound    = "Marker not found."
	msgInternal    = "Internal server error."
)

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// abort writes the error response for err and records err on the context
// for the request log.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	switch fault.KindOf(err) {
	case fault.KindValidation:
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msgInvalidBody, Details: details(err)})
	case fault.KindNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: msgNotFound})
	case fault.KindConfiguration:
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: msgConfig})
	case fault.KindDependency, fault.KindStorage, fault.KindAuth:
		c.AbortWithStatusJSON(http.StatusBadGateway, errorBody{Error: msgInternal})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: msgInternal})
	}
}

// details flattens validator field errors into "field: tag" entries.
func details(err error) []string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make([]string, 0, len(ve))
		for _, fe := range ve {
			out = append(out, fe.Field()+": "+fe.Tag())
		}
		return out
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return []string{fe.Err.Error()}
	}
	return []string{err.Error()}
}
