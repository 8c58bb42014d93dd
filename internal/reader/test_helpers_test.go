package reader

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/writer"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*writer.Writer, *Reader) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "reader.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	dataWriter, err := writer.New(writer.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build writer: %v", err)
	}
	dataReader, err := New(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build reader: %v", err)
	}
	return dataWriter, dataReader
}

func mustWrite(t *testing.T, dataWriter *writer.Writer, raw string) {
	t.Helper()
	requests, err := datastore.ParseWriteRequests([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if _, err := dataWriter.Write(context.Background(), requests); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
}

func mustParseFilter(t *testing.T, raw string) datastore.Filter {
	t.Helper()
	filter, err := datastore.ParseFilter([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected filter error: %v", err)
	}
	return filter
}
