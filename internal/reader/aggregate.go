package reader

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"gorm.io/gorm"
)

type aggregateType struct {
	cast      string
	jsonTypes []string
}

var aggregateTypes = map[string]aggregateType{
	AggregateTypeInt:   {cast: "INTEGER", jsonTypes: []string{"integer", "real"}},
	AggregateTypeFloat: {cast: "REAL", jsonTypes: []string{"integer", "real"}},
	AggregateTypeText:  {cast: "TEXT", jsonTypes: []string{"text"}},
}

// Exists reports whether any live model of the collection matches the filter.
func (r *Reader) Exists(ctx context.Context, request AggregateRequest) (result ExistsResult, err error) {
	defer r.observe(opExists, time.Now(), &err)
	count, position, err := r.count(ctx, opExists, request)
	if err != nil {
		return ExistsResult{}, err
	}
	return ExistsResult{Exists: count > 0, Position: position}, nil
}

// Count counts the live models of the collection matching the filter.
func (r *Reader) Count(ctx context.Context, request AggregateRequest) (result CountResult, err error) {
	defer r.observe(opCount, time.Now(), &err)
	count, position, err := r.count(ctx, opCount, request)
	if err != nil {
		return CountResult{}, err
	}
	return CountResult{Count: count, Position: position}, nil
}

// Min returns the smallest value of a field over the matching live models.
func (r *Reader) Min(ctx context.Context, request MinMaxRequest) (result MinMaxResult, err error) {
	defer r.observe(opMin, time.Now(), &err)
	return r.minMax(ctx, opMin, "MIN", request)
}

// Max returns the largest value of a field over the matching live models.
func (r *Reader) Max(ctx context.Context, request MinMaxRequest) (result MinMaxResult, err error) {
	defer r.observe(opMax, time.Now(), &err)
	return r.minMax(ctx, opMax, "MAX", request)
}

func (r *Reader) count(ctx context.Context, operation string, request AggregateRequest) (int64, int64, error) {
	if err := validateAggregate(request.Collection, request.Filter); err != nil {
		return 0, 0, err
	}
	var count, position int64
	err := r.retrier.Do(ctx, operation, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			if position, err = storage.MaxPosition(ctx, tx); err != nil {
				return err
			}
			return liveMatches(tx, request.Collection, request.Filter).Count(&count).Error
		})
	})
	if err != nil {
		return 0, 0, r.queryFailed(operation, err)
	}
	return count, position, nil
}

func (r *Reader) minMax(ctx context.Context, operation, function string, request MinMaxRequest) (MinMaxResult, error) {
	if err := validateAggregate(request.Collection, request.Filter); err != nil {
		return MinMaxResult{}, err
	}
	if err := datastore.ValidateQueryField(request.Field); err != nil {
		return MinMaxResult{}, err
	}
	typeName := request.Type
	if typeName == "" {
		typeName = AggregateTypeInt
	}
	valueType, ok := aggregateTypes[typeName]
	if !ok {
		return MinMaxResult{}, datastore.NewInvalidFormatError("invalid aggregate type %q", request.Type)
	}
	path := storage.JSONPath(request.Field)
	selectClause := fmt.Sprintf("%s(CAST(json_extract(data, ?) AS %s))", function, valueType.cast)

	var position int64
	var value any
	err := r.retrier.Do(ctx, operation, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			if position, err = storage.MaxPosition(ctx, tx); err != nil {
				return err
			}
			query := liveMatches(tx, request.Collection, request.Filter).
				Select(selectClause, path).
				Where("json_type(data, ?) IN ?", path, valueType.jsonTypes)
			value, err = scanAggregate(query, typeName)
			return err
		})
	})
	if err != nil {
		return MinMaxResult{}, r.queryFailed(operation, err)
	}
	return MinMaxResult{Value: value, Position: position}, nil
}

func scanAggregate(query *gorm.DB, typeName string) (any, error) {
	switch typeName {
	case AggregateTypeFloat:
		var value *float64
		if err := query.Row().Scan(&value); err != nil {
			return nil, err
		}
		if value == nil {
			return nil, nil
		}
		return *value, nil
	case AggregateTypeText:
		var value *string
		if err := query.Row().Scan(&value); err != nil {
			return nil, err
		}
		if value == nil {
			return nil, nil
		}
		return *value, nil
	default:
		var value *int64
		if err := query.Row().Scan(&value); err != nil {
			return nil, err
		}
		if value == nil {
			return nil, nil
		}
		return *value, nil
	}
}
