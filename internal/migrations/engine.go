package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/keyframes"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status is the state of the stored log relative to the registered migrations.
type Status string

const (
	// NoMigrationRequired means the live log is at the target index.
	NoMigrationRequired Status = "NO_MIGRATION_REQUIRED"
	// MigrationRequired means positions still have to be migrated into staging.
	MigrationRequired Status = "MIGRATION_REQUIRED"
	// FinalizationRequired means staging is complete, or only model migrations remain.
	FinalizationRequired Status = "FINALIZATION_REQUIRED"
)

// RequestWriter applies write requests inside a caller owned transaction.
type RequestWriter interface {
	WriteInTransaction(ctx context.Context, tx *gorm.DB, requests []datastore.WriteRequest, migrationIndex int64) ([]int64, messaging.EventsByPosition, error)
}

// Config wires an Engine.
type Config struct {
	Database          *gorm.DB
	Registry          *Registry
	Writer            RequestWriter
	Publisher         messaging.Publisher
	Codec             *keyframes.Codec
	KeyframeInterval  int64
	KeyframeCacheSize int
	Logger            *zap.Logger
	Metrics           *telemetry.Metrics
}

// Engine runs the registered migrations over the stored log. Runs are exclusive; writes
// while a migration is staged but not finalized are not supported.
type Engine struct {
	db                *gorm.DB
	registry          *Registry
	writer            RequestWriter
	publisher         messaging.Publisher
	codec             *keyframes.Codec
	keyframeInterval  int64
	keyframeCacheSize int
	logger            *zap.Logger
	metrics           *telemetry.Metrics

	mu sync.Mutex
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errors.New("migrations: database handle is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("migrations: registry is required")
	}
	codec := cfg.Codec
	if codec == nil {
		var err error
		if codec, err = keyframes.NewCodec(); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	return &Engine{
		db:                cfg.Database,
		registry:          cfg.Registry,
		writer:            cfg.Writer,
		publisher:         publisher,
		codec:             codec,
		keyframeInterval:  cfg.KeyframeInterval,
		keyframeCacheSize: cfg.KeyframeCacheSize,
		logger:            logger,
		metrics:           telemetry.OrNoop(cfg.Metrics),
	}, nil
}

// snapshot is what the engine reads from the database to decide what to do next.
type snapshot struct {
	live           int64
	positions      int64
	stagedIndex    int64
	stagedPosition int64
}

func (e *Engine) inspect(ctx context.Context, db *gorm.DB) (snapshot, error) {
	live, err := storage.MigrationIndex(ctx, db)
	if errors.Is(err, storage.ErrMismatchingMigrationIndices) {
		return snapshot{}, mismatch("%v", err)
	}
	if err != nil {
		return snapshot{}, err
	}
	positions, err := storage.MaxPosition(ctx, db)
	if err != nil {
		return snapshot{}, err
	}
	var stagedIndices []int64
	err = db.WithContext(ctx).Model(&storage.MigrationPositionRecord{}).Distinct("migration_index").Pluck("migration_index", &stagedIndices).Error
	if err != nil {
		return snapshot{}, err
	}
	current := snapshot{live: live, positions: positions, stagedIndex: storage.NoMigrationIndex}
	switch len(stagedIndices) {
	case 0:
	case 1:
		current.stagedIndex = stagedIndices[0]
		err = db.WithContext(ctx).Model(&storage.MigrationPositionRecord{}).Select("COALESCE(MAX(position), 0)").Scan(&current.stagedPosition).Error
		if err != nil {
			return snapshot{}, err
		}
	default:
		return snapshot{}, mismatch("staged positions carry indices %v", stagedIndices)
	}
	return current, nil
}

func (e *Engine) status(current snapshot) (Status, error) {
	target := e.registry.Target()
	eventTarget := e.registry.EventTarget()
	staged := current.stagedIndex != storage.NoMigrationIndex
	switch {
	case current.live == storage.NoMigrationIndex:
		if staged {
			return "", mismatch("staged positions at index %d without a live index", current.stagedIndex)
		}
		if current.positions == 0 {
			return NoMigrationRequired, nil
		}
		return MigrationRequired, nil
	case current.live < FirstMigrationIndex:
		return "", mismatch("live index %d is invalid", current.live)
	case current.live > target:
		return "", mismatch("live index %d is above the target index %d", current.live, target)
	}
	if staged {
		if current.stagedIndex > eventTarget {
			return "", mismatch("staged index %d is above the last event migration %d", current.stagedIndex, eventTarget)
		}
		if current.stagedIndex <= current.live {
			return "", mismatch("staged index %d is not above the live index %d", current.stagedIndex, current.live)
		}
	}
	switch {
	case current.live == target:
		return NoMigrationRequired, nil
	case current.live >= eventTarget:
		return FinalizationRequired, nil
	case current.stagedIndex == eventTarget && current.stagedPosition == current.positions:
		return FinalizationRequired, nil
	default:
		return MigrationRequired, nil
	}
}

// Status reports what Migrate and Finalize would do.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	current, err := e.inspect(ctx, e.db)
	if err != nil {
		return "", err
	}
	if current.live != storage.NoMigrationIndex {
		e.metrics.MigrationIndex.Set(float64(current.live))
	}
	return e.status(current)
}

// Migrate stages every position migrated to the last event migration. The live tables stay
// untouched. A log without a migration index is stamped with the target index instead.
func (e *Engine) Migrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.inspect(ctx, tx)
		if err != nil {
			return err
		}
		status, err := e.status(current)
		if err != nil || status != MigrationRequired {
			return err
		}
		if current.live == storage.NoMigrationIndex {
			return e.bootstrap(ctx, tx)
		}
		return e.stage(ctx, tx, current)
	})
}

func (e *Engine) bootstrap(ctx context.Context, tx *gorm.DB) error {
	target := e.registry.Target()
	if err := setMigrationIndex(ctx, tx, target); err != nil {
		return err
	}
	e.metrics.MigrationIndex.Set(float64(target))
	e.logger.Info("migration index bootstrapped", zap.Int64("migration_index", target))
	return nil
}

// stage migrates positions into the staging tables. Staging built for the current event
// target is continued from its last position; any other staging is discarded first.
func (e *Engine) stage(ctx context.Context, tx *gorm.DB, current snapshot) error {
	eventTarget := e.registry.EventTarget()
	from := int64(0)
	var runners []stepRunner
	if current.stagedIndex == eventTarget {
		resumed, err := e.openRunners(ctx, tx, current.live)
		if err != nil {
			return err
		}
		if runnersAt(resumed, current.stagedPosition) {
			runners = resumed
			from = current.stagedPosition
		}
	}
	if runners == nil {
		if err := clearStaging(ctx, tx); err != nil {
			return err
		}
		fresh, err := e.openRunners(ctx, tx, current.live)
		if err != nil {
			return err
		}
		runners = fresh
	}
	e.logger.Info("migration started",
		zap.Int64("from_index", current.live),
		zap.Int64("to_index", eventTarget),
		zap.Int64("from_position", from),
		zap.Int64("positions", current.positions))

	staged := 0
	for {
		var positions []storage.PositionRecord
		err := tx.WithContext(ctx).Where("position > ?", from).Order("position").Limit(storage.BatchSize).Find(&positions).Error
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			break
		}
		last := positions[len(positions)-1].Position
		var records []storage.EventRecord
		err = tx.WithContext(ctx).Where("position > ? AND position <= ?", from, last).Find(&records).Error
		if err != nil {
			return err
		}
		storage.SortEvents(records)
		byPosition := map[int64][]storage.EventRecord{}
		for _, record := range records {
			byPosition[record.Position] = append(byPosition[record.Position], record)
		}
		for _, position := range positions {
			if err := e.stagePosition(ctx, tx, runners, position, byPosition[position.Position], eventTarget); err != nil {
				return err
			}
			staged++
		}
		from = last
	}
	for _, runner := range runners {
		for _, accessor := range []keyframes.Accessor{runner.old, runner.new} {
			if err := accessor.(*keyframes.PersistentAccessor).Checkpoint(ctx); err != nil {
				return err
			}
		}
	}
	e.logger.Info("migration staged", zap.Int64("migration_index", eventTarget), zap.Int("positions", staged))
	return nil
}

func (e *Engine) stagePosition(ctx context.Context, tx *gorm.DB, runners []stepRunner, position storage.PositionRecord, records []storage.EventRecord, eventTarget int64) error {
	data := PositionData{Position: position.Position, Timestamp: position.Timestamp, UserID: position.UserID}
	if position.Information != nil {
		data.Information = json.RawMessage(*position.Information)
	}
	events := make([]datastore.Event, 0, len(records))
	for _, record := range records {
		event, err := datastore.DecodeEvent(record.Type, record.Fqid, record.Data)
		if err != nil {
			return err
		}
		events = append(events, event)
	}
	for _, runner := range runners {
		if err := runner.move(ctx, position.Position); err != nil {
			return err
		}
	}
	var staged []stagedEvent
	for _, runner := range runners {
		var err error
		if staged, err = runner.migratePosition(ctx, data, events); err != nil {
			return err
		}
		events = stagedEvents(staged)
	}

	db := tx.WithContext(ctx)
	if err := db.Create(&storage.MigrationPositionRecord{Position: position.Position, MigrationIndex: eventTarget}).Error; err != nil {
		return err
	}
	if len(staged) > 0 {
		rows := make([]storage.MigrationEventRecord, 0, len(staged))
		for weight, entry := range staged {
			encoded, err := entry.event.EncodeData()
			if err != nil {
				datastore.BadCoding("unencodable migrated %s event for %s: %v", entry.event.Type, entry.event.Fqid, err)
			}
			modified, err := json.Marshal(entry.modifiedFields)
			if err != nil {
				return err
			}
			rows = append(rows, storage.MigrationEventRecord{
				Position:       position.Position,
				Fqid:           entry.event.Fqid.String(),
				Type:           string(entry.event.Type),
				Data:           encoded,
				Weight:         weight + 1,
				ModifiedFields: string(modified),
			})
		}
		if err := db.CreateInBatches(&rows, storage.BatchSize).Error; err != nil {
			return err
		}
	}
	e.metrics.MigratedPositionsTotal.Inc()
	return nil
}

func (e *Engine) openRunners(ctx context.Context, tx *gorm.DB, live int64) ([]stepRunner, error) {
	migrations := e.registry.EventMigrations(live)
	runners := make([]stepRunner, 0, len(migrations))
	for _, migration := range migrations {
		target := migration.TargetMigrationIndex()
		old, err := e.openAccessor(ctx, tx, target-1)
		if err != nil {
			return nil, err
		}
		migrated, err := e.openAccessor(ctx, tx, target)
		if err != nil {
			return nil, err
		}
		runners = append(runners, stepRunner{migration: migration, old: old, new: migrated})
	}
	return runners, nil
}

func (e *Engine) openAccessor(ctx context.Context, tx *gorm.DB, migrationIndex int64) (*keyframes.PersistentAccessor, error) {
	return keyframes.OpenPersistent(ctx, keyframes.PersistentConfig{
		Database:       tx,
		Codec:          e.codec,
		MigrationIndex: migrationIndex,
		Interval:       e.keyframeInterval,
		CacheSize:      e.keyframeCacheSize,
		Logger:         e.logger,
	})
}

func runnersAt(runners []stepRunner, position int64) bool {
	for _, runner := range runners {
		if runner.old.Position() != position || runner.new.Position() != position {
			return false
		}
	}
	return len(runners) > 0
}

func setMigrationIndex(ctx context.Context, tx *gorm.DB, migrationIndex int64) error {
	return tx.WithContext(ctx).Model(&storage.PositionRecord{}).
		Where("migration_index <> ?", migrationIndex).
		Update("migration_index", migrationIndex).Error
}

func clearStaging(ctx context.Context, tx *gorm.DB) error {
	session := tx.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := session.Delete(&storage.MigrationEventRecord{}).Error; err != nil {
		return err
	}
	if err := session.Delete(&storage.MigrationPositionRecord{}).Error; err != nil {
		return err
	}
	return keyframes.Clear(ctx, tx)
}
