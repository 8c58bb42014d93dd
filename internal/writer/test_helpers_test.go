package writer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	batches []messaging.EventsByPosition
}

func (p *recordingPublisher) HandleEvents(_ context.Context, events messaging.EventsByPosition) error {
	p.batches = append(p.batches, events)
	return nil
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func newTestWriter(t *testing.T, devMode bool) (*Writer, *gorm.DB, *recordingPublisher, *fixedClock) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "writer.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	publisher := &recordingPublisher{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	writer, err := New(Config{
		Database:  db,
		Publisher: publisher,
		Clock:     clock.Now,
		DevMode:   devMode,
	})
	if err != nil {
		t.Fatalf("failed to build writer: %v", err)
	}
	return writer, db, publisher, clock
}

func mustRequests(t *testing.T, raw string) []datastore.WriteRequest {
	t.Helper()
	requests, err := datastore.ParseWriteRequests([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	return requests
}

func mustWrite(t *testing.T, writer *Writer, raw string) []int64 {
	t.Helper()
	positions, err := writer.Write(context.Background(), mustRequests(t, raw))
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	return positions
}

func loadModel(t *testing.T, db *gorm.DB, fqid datastore.Fqid) datastore.Model {
	t.Helper()
	models, err := storage.LoadModels(context.Background(), db, []datastore.Fqid{fqid})
	if err != nil {
		t.Fatalf("failed to load model: %v", err)
	}
	return models[fqid]
}
