package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "datastore_request_id"
	defaultHeartbeat    = 15 * time.Second
)

var (
	errMissingWriter = errors.New("writer dependency required")
	errMissingReader = errors.New("reader dependency required")
)

// WriterService is the write surface exposed over HTTP.
type WriterService interface {
	Write(ctx context.Context, requests []datastore.WriteRequest) ([]int64, error)
	ReserveIDs(ctx context.Context, collection string, amount int) ([]int64, error)
	TruncateDB(ctx context.Context) error
	DeleteHistoryInformation(ctx context.Context) error
}

// ReaderService is the read surface exposed over HTTP.
type ReaderService interface {
	Get(ctx context.Context, request reader.GetRequest) (datastore.Model, error)
	GetMany(ctx context.Context, request reader.GetManyRequest) (reader.Models, error)
	GetAll(ctx context.Context, request reader.GetAllRequest) (map[int64]datastore.Model, error)
	GetEverything(ctx context.Context, behaviour datastore.DeletedModelsBehaviour) (reader.Models, error)
	Filter(ctx context.Context, request reader.FilterRequest) (reader.FilterResult, error)
	Exists(ctx context.Context, request reader.AggregateRequest) (reader.ExistsResult, error)
	Count(ctx context.Context, request reader.AggregateRequest) (reader.CountResult, error)
	Min(ctx context.Context, request reader.MinMaxRequest) (reader.MinMaxResult, error)
	Max(ctx context.Context, request reader.MinMaxRequest) (reader.MinMaxResult, error)
	HistoryInformation(ctx context.Context, fqids []datastore.Fqid) (map[datastore.Fqid][]reader.HistoryEntry, error)
}

type Dependencies struct {
	Writer            WriterService
	Reader            ReaderService
	Dispatcher        *messaging.Dispatcher
	Metrics           *telemetry.Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Writer == nil {
		return nil, errMissingWriter
	}
	if deps.Reader == nil {
		return nil, errMissingReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		writer:     deps.Writer,
		reader:     deps.Reader,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/system/datastore/health", handler.handleHealth)
	if metricsHandler := deps.Metrics.Handler(); metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	writerRoutes := router.Group("/internal/datastore/writer")
	writerRoutes.POST("/write", handler.handleWrite)
	writerRoutes.POST("/reserve_ids", handler.handleReserveIDs)
	writerRoutes.POST("/truncate_db", handler.handleTruncateDB)
	writerRoutes.POST("/delete_history_information", handler.handleDeleteHistoryInformation)

	readerRoutes := router.Group("/internal/datastore/reader")
	readerRoutes.POST("/get", handler.handleGet)
	readerRoutes.POST("/get_many", handler.handleGetMany)
	readerRoutes.POST("/get_all", handler.handleGetAll)
	readerRoutes.POST("/get_everything", handler.handleGetEverything)
	readerRoutes.POST("/filter", handler.handleFilter)
	readerRoutes.POST("/exists", handler.handleExists)
	readerRoutes.POST("/count", handler.handleCount)
	readerRoutes.POST("/min", handler.handleMin)
	readerRoutes.POST("/max", handler.handleMax)
	readerRoutes.POST("/history_information", handler.handleHistoryInformation)
	if deps.Dispatcher != nil {
		readerRoutes.GET("/subscribe", handler.handleSubscribe)
	}

	return router, nil
}

type httpHandler struct {
	writer     WriterService
	reader     ReaderService
	dispatcher *messaging.Dispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

// requestIDMiddleware keeps a caller supplied request id or assigns a time ordered one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			generated, err := uuid.NewV7()
			if err == nil {
				requestID = generated.String()
			}
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}
