package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/gin-gonic/gin"
)

const (
	opHTTPGet                = "http.get"
	opHTTPGetMany            = "http.get_many"
	opHTTPGetAll             = "http.get_all"
	opHTTPGetEverything      = "http.get_everything"
	opHTTPFilter             = "http.filter"
	opHTTPExists             = "http.exists"
	opHTTPCount              = "http.count"
	opHTTPMin                = "http.min"
	opHTTPMax                = "http.max"
	opHTTPHistoryInformation = "http.history_information"
)

// deletedModelsPayload accepts the behaviour name or its legacy number.
type deletedModelsPayload json.RawMessage

func (p *deletedModelsPayload) UnmarshalJSON(raw []byte) error {
	*p = append((*p)[:0], raw...)
	return nil
}

func (p deletedModelsPayload) behaviour() (datastore.DeletedModelsBehaviour, error) {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return datastore.NoDeleted, nil
	}
	var name string
	if err := json.Unmarshal(trimmed, &name); err == nil {
		return datastore.ParseDeletedModelsBehaviour(name)
	}
	var number int
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return "", datastore.NewInvalidFormatError("invalid get_deleted_models: %s", string(trimmed))
	}
	return datastore.ParseDeletedModelsBehaviour(strconv.Itoa(number))
}

type getRequestPayload struct {
	Fqid             string               `json:"fqid"`
	MappedFields     []string             `json:"mapped_fields"`
	Position         int64                `json:"position"`
	GetDeletedModels deletedModelsPayload `json:"get_deleted_models"`
}

type collectionRequestPayload struct {
	Collection   string   `json:"collection"`
	IDs          []int64  `json:"ids"`
	MappedFields []string `json:"mapped_fields"`
}

type getManyRequestPayload struct {
	Requests         []json.RawMessage    `json:"requests"`
	MappedFields     []string             `json:"mapped_fields"`
	Position         int64                `json:"position"`
	GetDeletedModels deletedModelsPayload `json:"get_deleted_models"`
}

type getAllRequestPayload struct {
	Collection       string               `json:"collection"`
	MappedFields     []string             `json:"mapped_fields"`
	GetDeletedModels deletedModelsPayload `json:"get_deleted_models"`
}

type getEverythingRequestPayload struct {
	GetDeletedModels deletedModelsPayload `json:"get_deleted_models"`
}

type filterRequestPayload struct {
	Collection   string          `json:"collection"`
	Filter       json.RawMessage `json:"filter"`
	MappedFields []string        `json:"mapped_fields"`
	Field        string          `json:"field"`
	Type         string          `json:"type"`
}

type historyInformationRequestPayload struct {
	Fqids []string `json:"fqids"`
}

func (h *httpHandler) handleGet(c *gin.Context) {
	var payload getRequestPayload
	if !bindPayload(c, &payload) {
		return
	}
	behaviour, err := payload.GetDeletedModels.behaviour()
	if err != nil {
		h.respondError(c, opHTTPGet, err)
		return
	}
	fqid, err := datastore.ParseFqid(payload.Fqid)
	if err != nil {
		h.respondError(c, opHTTPGet, err)
		return
	}
	model, err := h.reader.Get(c.Request.Context(), reader.GetRequest{
		Fqid:          fqid,
		MappedFields:  payload.MappedFields,
		Position:      payload.Position,
		DeletedModels: behaviour,
	})
	if err != nil {
		h.respondError(c, opHTTPGet, err)
		return
	}
	c.JSON(http.StatusOK, model)
}

func (h *httpHandler) handleGetMany(c *gin.Context) {
	var payload getManyRequestPayload
	if !bindPayload(c, &payload) {
		return
	}
	behaviour, err := payload.GetDeletedModels.behaviour()
	if err != nil {
		h.respondError(c, opHTTPGetMany, err)
		return
	}
	requests, err := parseCollectionRequests(payload.Requests)
	if err != nil {
		h.respondError(c, opHTTPGetMany, err)
		return
	}
	models, err := h.reader.GetMany(c.Request.Context(), reader.GetManyRequest{
		Requests:      requests,
		MappedFields:  payload.MappedFields,
		Position:      payload.Position,
		DeletedModels: behaviour,
	})
	if err != nil {
		h.respondError(c, opHTTPGetMany, err)
		return
	}
	c.JSON(http.StatusOK, models)
}

// parseCollectionRequests accepts fqfield strings and {collection, ids, mapped_fields} objects.
func parseCollectionRequests(raws []json.RawMessage) ([]reader.CollectionRequest, error) {
	var fqfields []datastore.Fqfield
	var requests []reader.CollectionRequest
	for _, raw := range raws {
		var key string
		if err := json.Unmarshal(raw, &key); err == nil {
			fqfield, err := datastore.ParseFqfield(key)
			if err != nil {
				return nil, err
			}
			fqfields = append(fqfields, fqfield)
			continue
		}
		var part collectionRequestPayload
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, datastore.NewInvalidFormatError("invalid get_many request: %s", string(raw))
		}
		requests = append(requests, reader.CollectionRequest{
			Collection:   part.Collection,
			IDs:          part.IDs,
			MappedFields: part.MappedFields,
		})
	}
	return append(requests, reader.FqfieldRequests(fqfields)...), nil
}

func (h *httpHandler) handleGetAll(c *gin.Context) {
	var payload getAllRequestPayload
	if !bindPayload(c, &payload) {
		return
	}
	behaviour, err := payload.GetDeletedModels.behaviour()
	if err != nil {
		h.respondError(c, opHTTPGetAll, err)
		return
	}
	models, err := h.reader.GetAll(c.Request.Context(), reader.GetAllRequest{
		Collection:    payload.Collection,
		MappedFields:  payload.MappedFields,
		DeletedModels: behaviour,
	})
	if err != nil {
		h.respondError(c, opHTTPGetAll, err)
		return
	}
	c.JSON(http.StatusOK, models)
}

func (h *httpHandler) handleGetEverything(c *gin.Context) {
	var payload getEverythingRequestPayload
	if !bindPayload(c, &payload) {
		return
	}
	behaviour, err := payload.GetDeletedModels.behaviour()
	if err != nil {
		h.respondError(c, opHTTPGetEverything, err)
		return
	}
	models, err := h.reader.GetEverything(c.Request.Context(), behaviour)
	if err != nil {
		h.respondError(c, opHTTPGetEverything, err)
		return
	}
	c.JSON(http.StatusOK, models)
}

func (h *httpHandler) handleFilter(c *gin.Context) {
	payload, filter, ok := h.bindFilter(c, opHTTPFilter)
	if !ok {
		return
	}
	result, err := h.reader.Filter(c.Request.Context(), reader.FilterRequest{
		Collection:   payload.Collection,
		Filter:       filter,
		MappedFields: payload.MappedFields,
	})
	if err != nil {
		h.respondError(c, opHTTPFilter, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleExists(c *gin.Context) {
	payload, filter, ok := h.bindFilter(c, opHTTPExists)
	if !ok {
		return
	}
	result, err := h.reader.Exists(c.Request.Context(), reader.AggregateRequest{Collection: payload.Collection, Filter: filter})
	if err != nil {
		h.respondError(c, opHTTPExists, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCount(c *gin.Context) {
	payload, filter, ok := h.bindFilter(c, opHTTPCount)
	if !ok {
		return
	}
	result, err := h.reader.Count(c.Request.Context(), reader.AggregateRequest{Collection: payload.Collection, Filter: filter})
	if err != nil {
		h.respondError(c, opHTTPCount, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleMin(c *gin.Context) {
	h.handleMinMax(c, opHTTPMin, h.reader.Min)
}

func (h *httpHandler) handleMax(c *gin.Context) {
	h.handleMinMax(c, opHTTPMax, h.reader.Max)
}

func (h *httpHandler) handleMinMax(c *gin.Context, operation string, aggregate func(context.Context, reader.MinMaxRequest) (reader.MinMaxResult, error)) {
	payload, filter, ok := h.bindFilter(c, operation)
	if !ok {
		return
	}
	result, err := aggregate(c.Request.Context(), reader.MinMaxRequest{
		AggregateRequest: reader.AggregateRequest{Collection: payload.Collection, Filter: filter},
		Field:            payload.Field,
		Type:             payload.Type,
	})
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleHistoryInformation(c *gin.Context) {
	var payload historyInformationRequestPayload
	if !bindPayload(c, &payload) {
		return
	}
	fqids := make([]datastore.Fqid, 0, len(payload.Fqids))
	for _, raw := range payload.Fqids {
		fqid, err := datastore.ParseFqid(raw)
		if err != nil {
			h.respondError(c, opHTTPHistoryInformation, err)
			return
		}
		fqids = append(fqids, fqid)
	}
	history, err := h.reader.HistoryInformation(c.Request.Context(), fqids)
	if err != nil {
		h.respondError(c, opHTTPHistoryInformation, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *httpHandler) bindFilter(c *gin.Context, operation string) (filterRequestPayload, datastore.Filter, bool) {
	var payload filterRequestPayload
	if !bindPayload(c, &payload) {
		return filterRequestPayload{}, nil, false
	}
	if len(payload.Filter) == 0 {
		invalidRequest(c, "filter is required")
		return filterRequestPayload{}, nil, false
	}
	filter, err := datastore.ParseFilter(payload.Filter)
	if err != nil {
		h.respondError(c, operation, err)
		return filterRequestPayload{}, nil, false
	}
	return payload, filter, true
}

func bindPayload(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		invalidRequest(c, "invalid request body")
		return false
	}
	return true
}
