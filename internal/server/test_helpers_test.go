package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/writer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	handler    http.Handler
	dispatcher *messaging.Dispatcher
}

func newTestServer(t *testing.T, devMode bool) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	dispatcher := messaging.NewDispatcher()
	metrics := telemetry.New(true)
	dataWriter, err := writer.New(writer.Config{
		Database:  db,
		Publisher: dispatcher,
		Metrics:   metrics,
		DevMode:   devMode,
	})
	if err != nil {
		t.Fatalf("failed to build writer: %v", err)
	}
	dataReader, err := reader.New(reader.Config{Database: db, Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to build reader: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Writer:            dataWriter,
		Reader:            dataReader,
		Dispatcher:        dispatcher,
		Metrics:           metrics,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testServer{handler: handler, dispatcher: dispatcher}
}

func (s testServer) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s testServer) mustPost(t *testing.T, path, body string, target any) {
	t.Helper()
	recorder := s.post(t, path, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("POST %s: expected 200, got %d: %s", path, recorder.Code, recorder.Body.String())
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("POST %s: undecodable response %s: %v", path, recorder.Body.String(), err)
	}
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var payload errorPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("undecodable error response %s: %v", recorder.Body.String(), err)
	}
	return payload
}
