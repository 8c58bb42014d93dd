package writer

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config wires a Writer.
type Config struct {
	Database  *gorm.DB
	Publisher messaging.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	Retrier   *database.Retrier
	DevMode   bool
	// InitialMigrationIndex is stamped on positions while the log is empty. Zero keeps
	// storage.NoMigrationIndex so the migration engine bootstraps the index later.
	InitialMigrationIndex int64
}

// Writer is the single serialization point of all writes of this process.
type Writer struct {
	db                    *gorm.DB
	publisher             messaging.Publisher
	clock                 func() time.Time
	logger                *zap.Logger
	metrics               *telemetry.Metrics
	retrier               *database.Retrier
	devMode               bool
	initialMigrationIndex int64

	mu sync.Mutex
}

// New builds a Writer.
func New(cfg Config) (*Writer, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opWriterNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	initialIndex := cfg.InitialMigrationIndex
	if initialIndex == 0 {
		initialIndex = storage.NoMigrationIndex
	}
	return &Writer{
		db:                    cfg.Database,
		publisher:             publisher,
		clock:                 clock,
		logger:                logger,
		metrics:               telemetry.OrNoop(cfg.Metrics),
		retrier:               cfg.Retrier,
		devMode:               cfg.DevMode,
		initialMigrationIndex: initialIndex,
	}, nil
}

// Write commits every request as its own position, all inside one transaction, and publishes
// the modified fields after commit. It returns the allocated positions in request order.
func (w *Writer) Write(ctx context.Context, requests []datastore.WriteRequest) ([]int64, error) {
	return w.write(ctx, requests, nil)
}

// WriteWithMigrationIndex writes like Write but stamps positions with an explicit migration
// index. It serves bulk imports of data produced under a known index.
func (w *Writer) WriteWithMigrationIndex(ctx context.Context, requests []datastore.WriteRequest, migrationIndex int64) ([]int64, error) {
	return w.write(ctx, requests, &migrationIndex)
}

func (w *Writer) write(ctx context.Context, requests []datastore.WriteRequest, migrationIndex *int64) ([]int64, error) {
	if len(requests) == 0 {
		return nil, datastore.NewInvalidFormatError("at least one write request is required")
	}
	for _, request := range requests {
		if err := request.Validate(); err != nil {
			w.metrics.WritesTotal.With(resultLabel(err)).Inc()
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	started := time.Now()
	var positions []int64
	var published messaging.EventsByPosition
	err := w.retrier.Do(ctx, opWrite, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			index := w.initialMigrationIndex
			if migrationIndex != nil {
				index = *migrationIndex
			} else {
				current, err := storage.MigrationIndex(ctx, tx)
				if err != nil {
					w.logError(opWrite, "migration_index_failed", err)
					return newServiceError(opWrite, "migration_index_failed", err)
				}
				if current != storage.NoMigrationIndex {
					index = current
				}
			}
			var err error
			positions, published, err = w.WriteInTransaction(ctx, tx, requests, index)
			return err
		})
	})
	w.metrics.WriteDurationSeconds.Observe(time.Since(started).Seconds())
	w.metrics.WritesTotal.With(resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	w.metrics.PositionsTotal.Add(float64(len(positions)))

	if err := w.publisher.HandleEvents(ctx, published); err != nil {
		w.loggerOrDefault().Warn("publish after commit failed",
			zap.String("operation", opWrite),
			zap.Int64s("positions", positions),
			zap.Error(err))
	}
	return positions, nil
}

// WriteInTransaction applies already validated requests inside tx at the given migration
// index. It neither serializes nor publishes; callers own both.
func (w *Writer) WriteInTransaction(ctx context.Context, tx *gorm.DB, requests []datastore.WriteRequest, migrationIndex int64) ([]int64, messaging.EventsByPosition, error) {
	positions := make([]int64, 0, len(requests))
	published := messaging.EventsByPosition{}
	for _, request := range requests {
		if err := AssertLocked(ctx, tx, request.LockedFields); err != nil {
			if !datastore.IsModelLocked(err) {
				w.logError(opWrite, "lock_check_failed", err)
				return nil, nil, newServiceError(opWrite, "lock_check_failed", err)
			}
			return nil, nil, err
		}
		position, modified, err := w.applyRequest(ctx, tx, request, migrationIndex)
		if err != nil {
			return nil, nil, err
		}
		positions = append(positions, position)
		published[position] = modified
	}
	return positions, published, nil
}

func (w *Writer) applyRequest(ctx context.Context, tx *gorm.DB, request datastore.WriteRequest, migrationIndex int64) (int64, map[datastore.Fqid]map[string]any, error) {
	db := tx.WithContext(ctx)
	positionRecord := storage.PositionRecord{
		Timestamp:      w.clock().UTC(),
		UserID:         request.UserID,
		MigrationIndex: migrationIndex,
	}
	if information := request.InformationOrNil(); information != nil {
		text := string(information)
		positionRecord.Information = &text
	}
	if err := db.Create(&positionRecord).Error; err != nil {
		w.logError(opWrite, "position_insert_failed", err)
		return 0, nil, newServiceError(opWrite, "position_insert_failed", err)
	}
	position := positionRecord.Position

	events := datastore.SortCreatesFirst(datastore.TranslateEvents(request.Events))
	state, err := storage.LoadModels(ctx, tx, eventFqids(events))
	if err != nil {
		w.logError(opWrite, "model_load_failed", err, zap.Int64("position", position))
		return 0, nil, newServiceError(opWrite, "model_load_failed", err)
	}

	modified := map[datastore.Fqid]map[string]any{}
	touched := map[datastore.Fqid]struct{}{}
	collectionFieldEvents := map[datastore.CollectionField][]int64{}
	createdIDs := map[string]int64{}
	weight := 0

	for _, event := range events {
		before := state[event.Fqid]
		if event.Type == datastore.EventTypeListFields {
			effective, err := datastore.EffectiveListUpdate(before, event)
			if err != nil {
				return 0, nil, err
			}
			if effective.IsNoop() {
				continue
			}
			event = effective
		}
		next, err := datastore.ApplyEvent(before, event, position)
		if err != nil {
			return 0, nil, err
		}
		data, err := event.EncodeData()
		if err != nil {
			datastore.BadCoding("unencodable %s event for %s: %v", event.Type, event.Fqid, err)
		}
		weight++
		eventRecord := storage.EventRecord{
			Position: position,
			Fqid:     event.Fqid.String(),
			Type:     string(event.Type),
			Data:     data,
			Weight:   weight,
		}
		if err := db.Create(&eventRecord).Error; err != nil {
			w.logError(opWrite, "event_insert_failed", err, zap.String("fqid", event.Fqid.String()))
			return 0, nil, newServiceError(opWrite, "event_insert_failed", err)
		}

		fields := modified[event.Fqid]
		if fields == nil {
			fields = map[string]any{}
			modified[event.Fqid] = fields
		}
		for _, field := range event.ModifiedFields(before) {
			fields[field] = publishedValue(next, field)
			collectionField := datastore.NewCollectionField(event.Fqid.Collection(), field)
			collectionFieldEvents[collectionField] = append(collectionFieldEvents[collectionField], eventRecord.ID)
		}
		if event.Type == datastore.EventTypeCreate {
			collection := event.Fqid.Collection()
			createdIDs[collection] = max(createdIDs[collection], event.Fqid.ID())
		}
		state[event.Fqid] = next
		touched[event.Fqid] = struct{}{}
	}

	for fqid := range touched {
		if err := storage.SaveModel(ctx, tx, fqid, state[fqid]); err != nil {
			w.logError(opWrite, "model_save_failed", err, zap.String("fqid", fqid.String()))
			return 0, nil, newServiceError(opWrite, "model_save_failed", err)
		}
		modified[fqid][datastore.MetaPosition] = position
	}
	if err := storage.LinkCollectionFields(db, position, collectionFieldEvents); err != nil {
		w.logError(opWrite, "collectionfield_update_failed", err, zap.Int64("position", position))
		return 0, nil, newServiceError(opWrite, "collectionfield_update_failed", err)
	}
	if err := bumpIDSequences(db, createdIDs); err != nil {
		w.logError(opWrite, "id_sequence_update_failed", err, zap.Int64("position", position))
		return 0, nil, newServiceError(opWrite, "id_sequence_update_failed", err)
	}
	return position, modified, nil
}

// ReserveIDs advances the id sequence of a collection and returns the reserved ids.
func (w *Writer) ReserveIDs(ctx context.Context, collection string, amount int) ([]int64, error) {
	if err := datastore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, datastore.NewInvalidFormatError("%v", errInvalidAmount)
	}
	var next int64
	err := w.retrier.Do(ctx, opReserveIDs, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			statement := `INSERT INTO id_sequences (collection, next_id) VALUES (?, ?)
ON CONFLICT(collection) DO UPDATE SET next_id = id_sequences.next_id + ?`
			if err := tx.Exec(statement, collection, 1+amount, amount).Error; err != nil {
				return err
			}
			var record storage.IDSequenceRecord
			if err := tx.Where("collection = ?", collection).Take(&record).Error; err != nil {
				return err
			}
			next = record.NextID
			return nil
		})
	})
	if err != nil {
		w.logError(opReserveIDs, "sequence_update_failed", err, zap.String("collection", collection))
		return nil, newServiceError(opReserveIDs, "sequence_update_failed", err)
	}
	ids := make([]int64, 0, amount)
	for id := next - int64(amount); id < next; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// TruncateDB deletes all data, including migration staging. Only allowed in dev mode.
func (w *Writer) TruncateDB(ctx context.Context) error {
	if !w.devMode {
		return ErrNotDevMode
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range storage.Records() {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(record).Error; err != nil {
				return err
			}
		}
		return tx.Exec("DELETE FROM sqlite_sequence").Error
	})
	if err != nil {
		w.logError(opTruncateDB, "delete_failed", err)
		return newServiceError(opTruncateDB, "delete_failed", err)
	}
	w.loggerOrDefault().Info("database truncated")
	return nil
}

// DeleteHistoryInformation clears the information of every position.
func (w *Writer) DeleteHistoryInformation(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.db.WithContext(ctx).Model(&storage.PositionRecord{}).
		Where("information IS NOT NULL").
		Update("information", gorm.Expr("NULL")).Error
	if err != nil {
		w.logError(opDeleteHistory, "update_failed", err)
		return newServiceError(opDeleteHistory, "update_failed", err)
	}
	return nil
}

// TrimCollectionFields drops event to collectionfield links of positions older than the
// retention window and returns the number of removed links. Fqfield and filtered
// collectionfield locks older than the window stop detecting conflicts.
func (w *Writer) TrimCollectionFields(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, datastore.NewInvalidFormatError("retention must be positive")
	}
	cutoff := w.clock().UTC().Add(-retention)
	w.mu.Lock()
	defer w.mu.Unlock()
	result := w.db.WithContext(ctx).Exec(`DELETE FROM events_to_collectionfields WHERE event_id IN (
SELECT e.id FROM events AS e JOIN positions AS p ON p.position = e.position WHERE p.timestamp < ?)`, cutoff)
	if result.Error != nil {
		w.logError(opTrimCollectionFields, "delete_failed", result.Error)
		return 0, newServiceError(opTrimCollectionFields, "delete_failed", result.Error)
	}
	w.loggerOrDefault().Info("collectionfield links trimmed",
		zap.Int64("removed", result.RowsAffected),
		zap.Time("cutoff", cutoff))
	return result.RowsAffected, nil
}

func bumpIDSequences(db *gorm.DB, createdIDs map[string]int64) error {
	for collection, id := range createdIDs {
		statement := `INSERT INTO id_sequences (collection, next_id) VALUES (?, ?)
ON CONFLICT(collection) DO UPDATE SET next_id = MAX(id_sequences.next_id, excluded.next_id)`
		if err := db.Exec(statement, collection, id+1).Error; err != nil {
			return err
		}
	}
	return nil
}

func publishedValue(model datastore.Model, field string) any {
	if field == datastore.MetaDeleted {
		return model.IsDeleted()
	}
	if model.IsDeleted() {
		return nil
	}
	return model[field]
}

func eventFqids(events []datastore.Event) []datastore.Fqid {
	seen := map[datastore.Fqid]struct{}{}
	fqids := make([]datastore.Fqid, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.Fqid]; ok {
			continue
		}
		seen[event.Fqid] = struct{}{}
		fqids = append(fqids, event.Fqid)
	}
	return fqids
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case datastore.IsModelLocked(err):
		return "locked"
	case datastore.IsInvalidFormat(err):
		return "invalid"
	case datastore.IsModelExists(err), datastore.IsModelDoesNotExist(err), datastore.IsModelNotDeleted(err):
		return "conflict"
	default:
		return "failed"
	}
}
