package reader

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config wires a Reader.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	Retrier  *database.Retrier
}

// Reader serves current-state reads from the models table and point-in-time reads by
// replaying events.
type Reader struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *telemetry.Metrics
	retrier *database.Retrier
}

// New builds a Reader.
func New(cfg Config) (*Reader, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opReaderNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reader{
		db:      cfg.Database,
		logger:  logger,
		metrics: telemetry.OrNoop(cfg.Metrics),
		retrier: cfg.Retrier,
	}, nil
}

// Get reads one model. A positive Position replays the events of the fqid up to it.
func (r *Reader) Get(ctx context.Context, request GetRequest) (model datastore.Model, err error) {
	defer r.observe(opGet, time.Now(), &err)
	if _, err := datastore.ParseFqid(request.Fqid.String()); err != nil {
		return nil, err
	}
	if err := validatePosition(request.Position); err != nil {
		return nil, err
	}
	if err := validateMappedFields(request.MappedFields); err != nil {
		return nil, err
	}
	models, err := r.load(ctx, opGet, []datastore.Fqid{request.Fqid}, request.Position)
	if err != nil {
		return nil, err
	}
	found, ok := models[request.Fqid]
	if !ok {
		return nil, &datastore.ModelDoesNotExistError{Fqid: request.Fqid}
	}
	if err := behaviourOrDefault(request.DeletedModels).CheckSingle(request.Fqid, found.IsDeleted()); err != nil {
		return nil, err
	}
	return found.Project(request.MappedFields), nil
}

// GetMany reads the requested models. Missing and filtered models are left out.
func (r *Reader) GetMany(ctx context.Context, request GetManyRequest) (result Models, err error) {
	defer r.observe(opGetMany, time.Now(), &err)
	if err := validatePosition(request.Position); err != nil {
		return nil, err
	}
	if err := validateMappedFields(request.MappedFields); err != nil {
		return nil, err
	}
	fields, fqids, err := mergeRequests(request)
	if err != nil {
		return nil, err
	}
	models, err := r.load(ctx, opGetMany, fqids, request.Position)
	if err != nil {
		return nil, err
	}
	behaviour := behaviourOrDefault(request.DeletedModels)
	result = Models{}
	for _, fqid := range fqids {
		model, ok := models[fqid]
		if !ok || !behaviour.Admits(model.IsDeleted()) {
			continue
		}
		result.add(fqid, model.Project(fields[fqid]))
	}
	return result, nil
}

// GetAll reads every model of a collection.
func (r *Reader) GetAll(ctx context.Context, request GetAllRequest) (result map[int64]datastore.Model, err error) {
	defer r.observe(opGetAll, time.Now(), &err)
	if err := datastore.ValidateCollection(request.Collection); err != nil {
		return nil, err
	}
	if err := validateMappedFields(request.MappedFields); err != nil {
		return nil, err
	}
	var records []storage.ModelRecord
	err = r.retrier.Do(ctx, opGetAll, func() error {
		query := r.db.WithContext(ctx).Scopes(storage.InCollection(request.Collection), deletedScope(request.DeletedModels))
		return query.Find(&records).Error
	})
	if err != nil {
		return nil, r.queryFailed(opGetAll, err)
	}
	models, err := storage.DecodeModelRecords(records)
	if err != nil {
		return nil, r.queryFailed(opGetAll, err)
	}
	result = make(map[int64]datastore.Model, len(models))
	for fqid, model := range models {
		result[fqid.ID()] = model.Project(request.MappedFields)
	}
	return result, nil
}

// GetEverything reads every model of every collection.
func (r *Reader) GetEverything(ctx context.Context, behaviour datastore.DeletedModelsBehaviour) (result Models, err error) {
	defer r.observe(opGetEverything, time.Now(), &err)
	var records []storage.ModelRecord
	err = r.retrier.Do(ctx, opGetEverything, func() error {
		return r.db.WithContext(ctx).Scopes(deletedScope(behaviour)).Find(&records).Error
	})
	if err != nil {
		return nil, r.queryFailed(opGetEverything, err)
	}
	models, err := storage.DecodeModelRecords(records)
	if err != nil {
		return nil, r.queryFailed(opGetEverything, err)
	}
	result = Models{}
	for fqid, model := range models {
		result.add(fqid, model)
	}
	return result, nil
}

// Filter reads the live models of a collection matching the filter, together with the
// position the read observed.
func (r *Reader) Filter(ctx context.Context, request FilterRequest) (result FilterResult, err error) {
	defer r.observe(opFilter, time.Now(), &err)
	if err := validateAggregate(request.Collection, request.Filter); err != nil {
		return FilterResult{}, err
	}
	if err := validateMappedFields(request.MappedFields); err != nil {
		return FilterResult{}, err
	}
	var records []storage.ModelRecord
	var position int64
	err = r.retrier.Do(ctx, opFilter, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			if position, err = storage.MaxPosition(ctx, tx); err != nil {
				return err
			}
			return liveMatches(tx, request.Collection, request.Filter).Find(&records).Error
		})
	})
	if err != nil {
		return FilterResult{}, r.queryFailed(opFilter, err)
	}
	models, err := storage.DecodeModelRecords(records)
	if err != nil {
		return FilterResult{}, r.queryFailed(opFilter, err)
	}
	result = FilterResult{Data: make(map[int64]datastore.Model, len(models)), Position: position}
	for fqid, model := range models {
		result.Data[fqid.ID()] = model.Project(request.MappedFields)
	}
	return result, nil
}

// HistoryInformation lists, per fqid, the positions which touched it and carried information.
func (r *Reader) HistoryInformation(ctx context.Context, fqids []datastore.Fqid) (result map[datastore.Fqid][]HistoryEntry, err error) {
	defer r.observe(opHistoryInformation, time.Now(), &err)
	keys := make([]string, 0, len(fqids))
	for _, fqid := range fqids {
		if _, err := datastore.ParseFqid(fqid.String()); err != nil {
			return nil, err
		}
		keys = append(keys, fqid.String())
	}
	type historyRow struct {
		Fqid        string
		Position    int64
		Timestamp   time.Time
		UserID      int64
		Information string
	}
	var rows []historyRow
	err = r.retrier.Do(ctx, opHistoryInformation, func() error {
		rows = rows[:0]
		for start := 0; start < len(keys); start += storage.BatchSize {
			end := min(start+storage.BatchSize, len(keys))
			var batch []historyRow
			err := r.db.WithContext(ctx).Table("positions AS p").
				Select("DISTINCT e.fqid, p.position, p.timestamp, p.user_id, p.information").
				Joins("JOIN events AS e ON e.position = p.position").
				Where("e.fqid IN ? AND p.information IS NOT NULL", keys[start:end]).
				Order("p.position").
				Scan(&batch).Error
			if err != nil {
				return err
			}
			rows = append(rows, batch...)
		}
		return nil
	})
	if err != nil {
		return nil, r.queryFailed(opHistoryInformation, err)
	}
	result = make(map[datastore.Fqid][]HistoryEntry, len(fqids))
	for _, row := range rows {
		fqid := datastore.Fqid(row.Fqid)
		result[fqid] = append(result[fqid], HistoryEntry{
			Position:    row.Position,
			Timestamp:   row.Timestamp,
			UserID:      row.UserID,
			Information: []byte(row.Information),
		})
	}
	return result, nil
}

// load returns current models, or replays events up to position when it is positive.
func (r *Reader) load(ctx context.Context, operation string, fqids []datastore.Fqid, position int64) (map[datastore.Fqid]datastore.Model, error) {
	var models map[datastore.Fqid]datastore.Model
	err := r.retrier.Do(ctx, operation, func() error {
		if position == 0 {
			var err error
			models, err = storage.LoadModels(ctx, r.db, fqids)
			return err
		}
		events, err := storage.LoadEvents(ctx, r.db, fqids, position)
		if err != nil {
			return err
		}
		models, err = storage.FoldEvents(events)
		return err
	})
	if err != nil {
		return nil, r.queryFailed(operation, err)
	}
	return models, nil
}

func (r *Reader) observe(operation string, started time.Time, err *error) {
	r.metrics.ReadDurationSeconds.With(operation).Observe(time.Since(started).Seconds())
	r.metrics.ReadsTotal.With(operation, resultLabel(*err)).Inc()
}

func (models Models) add(fqid datastore.Fqid, model datastore.Model) {
	collection := fqid.Collection()
	if models[collection] == nil {
		models[collection] = map[int64]datastore.Model{}
	}
	models[collection][fqid.ID()] = model
}

// mergeRequests resolves the mapped fields per fqid. An fqid requested once without mapped
// fields is read with all fields.
func mergeRequests(request GetManyRequest) (map[datastore.Fqid][]string, []datastore.Fqid, error) {
	fields := map[datastore.Fqid][]string{}
	allFields := map[datastore.Fqid]bool{}
	var fqids []datastore.Fqid
	for _, collectionRequest := range request.Requests {
		if err := datastore.ValidateCollection(collectionRequest.Collection); err != nil {
			return nil, nil, err
		}
		if err := validateMappedFields(collectionRequest.MappedFields); err != nil {
			return nil, nil, err
		}
		mapped := append(append([]string{}, request.MappedFields...), collectionRequest.MappedFields...)
		for _, id := range collectionRequest.IDs {
			if id <= 0 {
				return nil, nil, datastore.NewInvalidFormatError("invalid id %d in %s", id, collectionRequest.Collection)
			}
			fqid := datastore.NewFqid(collectionRequest.Collection, id)
			if _, seen := fields[fqid]; !seen && !allFields[fqid] {
				fqids = append(fqids, fqid)
			}
			if len(mapped) == 0 {
				allFields[fqid] = true
				delete(fields, fqid)
				continue
			}
			if !allFields[fqid] {
				fields[fqid] = append(fields[fqid], mapped...)
			}
		}
	}
	return fields, fqids, nil
}

func deletedScope(behaviour datastore.DeletedModelsBehaviour) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch behaviourOrDefault(behaviour) {
		case datastore.OnlyDeleted:
			return db.Where("deleted = ?", true)
		case datastore.AllModels:
			return db
		default:
			return db.Where("deleted = ?", false)
		}
	}
}

// liveMatches narrows db to the live models of collection which match filter.
func liveMatches(db *gorm.DB, collection string, filter datastore.Filter) *gorm.DB {
	clause, args := storage.CompileFilter(filter, "data")
	query := db.Model(&storage.ModelRecord{})
	query = storage.InCollection(collection)(query)
	query = deletedScope(datastore.NoDeleted)(query)
	return query.Where(clause, args...)
}

func validateAggregate(collection string, filter datastore.Filter) error {
	if err := datastore.ValidateCollection(collection); err != nil {
		return err
	}
	if filter == nil {
		return datastore.NewInvalidFormatError("a filter is required")
	}
	return nil
}
