package reader

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
)

// GetRequest reads one model, optionally as of a past position.
type GetRequest struct {
	Fqid          datastore.Fqid
	MappedFields  []string
	Position      int64
	DeletedModels datastore.DeletedModelsBehaviour
}

// CollectionRequest names ids of one collection for GetMany.
type CollectionRequest struct {
	Collection   string
	IDs          []int64
	MappedFields []string
}

// GetManyRequest reads many models. MappedFields applies to every collection request.
type GetManyRequest struct {
	Requests      []CollectionRequest
	MappedFields  []string
	Position      int64
	DeletedModels datastore.DeletedModelsBehaviour
}

// GetAllRequest reads every model of a collection.
type GetAllRequest struct {
	Collection    string
	MappedFields  []string
	DeletedModels datastore.DeletedModelsBehaviour
}

// FilterRequest reads the live models of a collection which match Filter.
type FilterRequest struct {
	Collection   string
	Filter       datastore.Filter
	MappedFields []string
}

// AggregateRequest scopes exists, count, min and max to the live matching models.
type AggregateRequest struct {
	Collection string
	Filter     datastore.Filter
}

// MinMaxRequest aggregates one field. Type selects how values are compared.
type MinMaxRequest struct {
	AggregateRequest
	Field string
	Type  string
}

// Models groups read models by collection and id.
type Models map[string]map[int64]datastore.Model

// FilterResult carries the matching models and the position they were read at.
type FilterResult struct {
	Data     map[int64]datastore.Model `json:"data"`
	Position int64                     `json:"position"`
}

// ExistsResult reports whether any model matched.
type ExistsResult struct {
	Exists   bool  `json:"exists"`
	Position int64 `json:"position"`
}

// CountResult reports how many models matched.
type CountResult struct {
	Count    int64 `json:"count"`
	Position int64 `json:"position"`
}

// MinMaxResult carries an aggregate value, nil when nothing matched.
type MinMaxResult struct {
	Value    any   `json:"value"`
	Position int64 `json:"position"`
}

// HistoryEntry is one position which touched a model and carried information.
type HistoryEntry struct {
	Position    int64           `json:"position"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      int64           `json:"user_id"`
	Information json.RawMessage `json:"information"`
}

// Aggregate value types accepted by Min and Max.
const (
	AggregateTypeInt   = "int"
	AggregateTypeFloat = "float"
	AggregateTypeText  = "text"
)

// FqfieldRequests rewrites fqfield keys into collection requests with one mapped field each.
func FqfieldRequests(fqfields []datastore.Fqfield) []CollectionRequest {
	requests := make([]CollectionRequest, 0, len(fqfields))
	for _, fqfield := range fqfields {
		fqid := fqfield.Fqid()
		requests = append(requests, CollectionRequest{
			Collection:   fqid.Collection(),
			IDs:          []int64{fqid.ID()},
			MappedFields: []string{fqfield.Field()},
		})
	}
	return requests
}

func validateMappedFields(fields []string) error {
	for _, field := range fields {
		if err := datastore.ValidateQueryField(field); err != nil {
			return err
		}
	}
	return nil
}

func validatePosition(position int64) error {
	if position < 0 {
		return datastore.NewInvalidFormatError("position must not be negative")
	}
	return nil
}

func behaviourOrDefault(behaviour datastore.DeletedModelsBehaviour) datastore.DeletedModelsBehaviour {
	if behaviour == "" {
		return datastore.NoDeleted
	}
	return behaviour
}
