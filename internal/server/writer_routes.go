package server

import (
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/gin-gonic/gin"
)

const (
	opHTTPWrite         = "http.write"
	opHTTPReserveIDs    = "http.reserve_ids"
	opHTTPTruncateDB    = "http.truncate_db"
	opHTTPDeleteHistory = "http.delete_history_information"
)

type writeResponsePayload struct {
	Positions []int64 `json:"positions"`
}

type reserveIDsRequestPayload struct {
	Collection string `json:"collection"`
	Amount     int    `json:"amount"`
}

type reserveIDsResponsePayload struct {
	IDs []int64 `json:"ids"`
}

func (h *httpHandler) handleWrite(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		invalidRequest(c, "unreadable request body")
		return
	}
	requests, err := datastore.ParseWriteRequests(body)
	if err != nil {
		h.respondError(c, opHTTPWrite, err)
		return
	}
	positions, err := h.writer.Write(c.Request.Context(), requests)
	if err != nil {
		h.respondError(c, opHTTPWrite, err)
		return
	}
	c.JSON(http.StatusOK, writeResponsePayload{Positions: positions})
}

func (h *httpHandler) handleReserveIDs(c *gin.Context) {
	var request reserveIDsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "invalid reserve_ids request")
		return
	}
	ids, err := h.writer.ReserveIDs(c.Request.Context(), request.Collection, request.Amount)
	if err != nil {
		h.respondError(c, opHTTPReserveIDs, err)
		return
	}
	c.JSON(http.StatusOK, reserveIDsResponsePayload{IDs: ids})
}

func (h *httpHandler) handleTruncateDB(c *gin.Context) {
	if err := h.writer.TruncateDB(c.Request.Context()); err != nil {
		h.respondError(c, opHTTPTruncateDB, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteHistoryInformation(c *gin.Context) {
	if err := h.writer.DeleteHistoryInformation(c.Request.Context()); err != nil {
		h.respondError(c, opHTTPDeleteHistory, err)
		return
	}
	c.Status(http.StatusNoContent)
}
