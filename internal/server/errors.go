package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/writer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Fqid    string   `json:"fqid,omitempty"`
}

type codedError interface {
	Code() string
}

// respondError maps domain errors onto client errors and everything else onto a 500 carrying
// the service error code.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var (
		invalid    *datastore.InvalidFormatError
		locked     *datastore.ModelLockedError
		exists     *datastore.ModelExistsError
		missing    *datastore.ModelDoesNotExistError
		notDeleted *datastore.ModelNotDeletedError
		coded      codedError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_format", Message: invalid.Message})
	case errors.As(err, &locked):
		c.JSON(http.StatusConflict, errorPayload{Error: "model_locked", Keys: locked.Keys})
	case errors.As(err, &exists):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "model_exists", Fqid: exists.Fqid.String()})
	case errors.As(err, &missing):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "model_does_not_exist", Fqid: missing.Fqid.String()})
	case errors.As(err, &notDeleted):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "model_not_deleted", Fqid: notDeleted.Fqid.String()})
	case errors.Is(err, writer.ErrNotDevMode):
		c.JSON(http.StatusForbidden, errorPayload{Error: "not_dev_mode"})
	case errors.As(err, &coded):
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: coded.Code()})
	default:
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal_error"})
	}
}

func invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_format", Message: message})
}
