package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotEmpty rejects an import into a datastore which already holds positions.
var ErrNotEmpty = errors.New("snapshot: the datastore is not empty")

// ModelWriter commits the imported models.
type ModelWriter interface {
	WriteWithMigrationIndex(ctx context.Context, requests []datastore.WriteRequest, migrationIndex int64) ([]int64, error)
}

// ModelReader lists the exported models.
type ModelReader interface {
	GetEverything(ctx context.Context, behaviour datastore.DeletedModelsBehaviour) (reader.Models, error)
}

// Migrater brings imported models to the target migration index.
type Migrater interface {
	Migrate(ctx context.Context, models map[datastore.Fqid]datastore.Model, fromIndex int64) (map[datastore.Fqid]datastore.Model, error)
}

// Config wires a Service.
type Config struct {
	Database    *gorm.DB
	Writer      ModelWriter
	Reader      ModelReader
	Migrater    Migrater
	TargetIndex int64
	Logger      *zap.Logger
}

// Service imports and exports snapshots.
type Service struct {
	db          *gorm.DB
	writer      ModelWriter
	reader      ModelReader
	migrater    Migrater
	targetIndex int64
	logger      *zap.Logger
}

// New builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Database == nil || cfg.Writer == nil || cfg.Reader == nil || cfg.Migrater == nil {
		return nil, errors.New("snapshot: database, writer, reader and migrater are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		writer:      cfg.Writer,
		reader:      cfg.Reader,
		migrater:    cfg.Migrater,
		targetIndex: cfg.TargetIndex,
		logger:      logger,
	}, nil
}

// Import migrates the document to the target index and writes it as one position. The
// datastore must be empty. It returns the written position, or 0 for an empty document.
func (s *Service) Import(ctx context.Context, source io.Reader) (int64, error) {
	var document Document
	if err := json.NewDecoder(source).Decode(&document); err != nil {
		var invalid *datastore.InvalidFormatError
		if errors.As(err, &invalid) {
			return 0, err
		}
		return 0, datastore.NewInvalidFormatError("invalid snapshot: %v", err)
	}
	position, err := storage.MaxPosition(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("snapshot: %w", err)
	}
	if position > 0 {
		return 0, ErrNotEmpty
	}
	migrated, err := s.migrater.Migrate(ctx, document.Models, document.MigrationIndex)
	if err != nil {
		return 0, err
	}
	if len(migrated) == 0 {
		s.logger.Info("empty snapshot imported", zap.Int64("migration_index", s.targetIndex))
		return 0, nil
	}
	positions, err := s.writer.WriteWithMigrationIndex(ctx, []datastore.WriteRequest{importRequest(migrated)}, s.targetIndex)
	if err != nil {
		return 0, err
	}
	s.logger.Info("snapshot imported",
		zap.Int("models", len(migrated)),
		zap.Int64("from_index", document.MigrationIndex),
		zap.Int64("migration_index", s.targetIndex),
		zap.Int64s("positions", positions))
	return positions[0], nil
}

// importRequest recreates every model, deleting the deleted ones right away.
func importRequest(models map[datastore.Fqid]datastore.Model) datastore.WriteRequest {
	fqids := make([]datastore.Fqid, 0, len(models))
	for fqid := range models {
		fqids = append(fqids, fqid)
	}
	sort.Slice(fqids, func(i, j int) bool { return fqids[i] < fqids[j] })
	events := make([]datastore.RequestEvent, 0, len(fqids))
	var deletes []datastore.RequestEvent
	for _, fqid := range fqids {
		model := models[fqid]
		events = append(events, datastore.RequestEvent{Type: datastore.RequestEventCreate, Fqid: fqid.String(), Fields: model.Fields()})
		if model.IsDeleted() {
			deletes = append(deletes, datastore.RequestEvent{Type: datastore.RequestEventDelete, Fqid: fqid.String()})
		}
	}
	return datastore.WriteRequest{Events: append(events, deletes...)}
}

// Export writes every live model together with the stored migration index. A log without an
// index is exported at the target index.
func (s *Service) Export(ctx context.Context, target io.Writer) error {
	index, err := storage.MigrationIndex(ctx, s.db)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if index == storage.NoMigrationIndex {
		index = s.targetIndex
	}
	models, err := s.reader.GetEverything(ctx, datastore.NoDeleted)
	if err != nil {
		return err
	}
	document := Document{MigrationIndex: index, Models: map[datastore.Fqid]datastore.Model{}}
	for collection, byID := range models {
		for id, model := range byID {
			document.Models[datastore.NewFqid(collection, id)] = model
		}
	}
	encoder := json.NewEncoder(target)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(document); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	s.logger.Info("snapshot exported", zap.Int("models", len(document.Models)), zap.Int64("migration_index", index))
	return nil
}
