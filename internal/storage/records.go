package storage

import "time"

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Position int64  `gorm:"column:position;not null;uniqueIndex:idx_events_position_weight,priority:1;index:idx_events_fqid_position,priority:2"`
	Fqid     string `gorm:"column:fqid;size:255;not null;index:idx_events_fqid_position,priority:1"`
	Type     string `gorm:"column:type;size:16;not null"`
	Data     string `gorm:"column:data;type:text;not null"`
	Weight   int    `gorm:"column:weight;not null;uniqueIndex:idx_events_position_weight,priority:2"`
}

func (EventRecord) TableName() string {
	return "events"
}

// PositionRecord is one committed write.
type PositionRecord struct {
	Position       int64     `gorm:"column:position;primaryKey;autoIncrement"`
	Timestamp      time.Time `gorm:"column:timestamp;not null"`
	UserID         int64     `gorm:"column:user_id;not null"`
	Information    *string   `gorm:"column:information;type:text"`
	MigrationIndex int64     `gorm:"column:migration_index;not null;index"`
}

func (PositionRecord) TableName() string {
	return "positions"
}

// ModelRecord is the materialized current state of one fqid.
type ModelRecord struct {
	Fqid    string `gorm:"column:fqid;primaryKey;size:255"`
	Data    string `gorm:"column:data;type:text;not null"`
	Deleted bool   `gorm:"column:deleted;not null;index"`
}

func (ModelRecord) TableName() string {
	return "models"
}

// CollectionFieldRecord holds the last position that changed a field anywhere in a collection.
type CollectionFieldRecord struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CollectionField string `gorm:"column:collectionfield;size:255;not null;uniqueIndex"`
	Position        int64  `gorm:"column:position;not null"`
}

func (CollectionFieldRecord) TableName() string {
	return "collectionfields"
}

// EventToCollectionFieldRecord links an event to every collectionfield it touched.
type EventToCollectionFieldRecord struct {
	EventID           int64 `gorm:"column:event_id;primaryKey;autoIncrement:false"`
	CollectionFieldID int64 `gorm:"column:collectionfield_id;primaryKey;autoIncrement:false;index"`
}

func (EventToCollectionFieldRecord) TableName() string {
	return "events_to_collectionfields"
}

// IDSequenceRecord is the next free id of a collection.
type IDSequenceRecord struct {
	Collection string `gorm:"column:collection;primaryKey;size:255"`
	NextID     int64  `gorm:"column:next_id;not null"`
}

func (IDSequenceRecord) TableName() string {
	return "id_sequences"
}

// MigrationPositionRecord records the migration index a position was staged at.
type MigrationPositionRecord struct {
	Position       int64 `gorm:"column:position;primaryKey;autoIncrement:false"`
	MigrationIndex int64 `gorm:"column:migration_index;not null"`
}

func (MigrationPositionRecord) TableName() string {
	return "migration_positions"
}

// MigrationEventRecord is one staged, migrated event.
type MigrationEventRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Position       int64  `gorm:"column:position;not null;uniqueIndex:idx_migration_events_position_weight,priority:1"`
	Fqid           string `gorm:"column:fqid;size:255;not null;index"`
	Type           string `gorm:"column:type;size:16;not null"`
	Data           string `gorm:"column:data;type:text;not null"`
	Weight         int    `gorm:"column:weight;not null;uniqueIndex:idx_migration_events_position_weight,priority:2"`
	ModifiedFields string `gorm:"column:modified_fields;type:text;not null"`
}

func (MigrationEventRecord) TableName() string {
	return "migration_events"
}

// MigrationKeyframeRecord identifies a snapshot of all models at (migration_index, position).
type MigrationKeyframeRecord struct {
	ID             int64 `gorm:"column:id;primaryKey;autoIncrement"`
	Position       int64 `gorm:"column:position;not null;uniqueIndex:idx_migration_keyframes_index_position,priority:2"`
	MigrationIndex int64 `gorm:"column:migration_index;not null;uniqueIndex:idx_migration_keyframes_index_position,priority:1"`
}

func (MigrationKeyframeRecord) TableName() string {
	return "migration_keyframes"
}

// MigrationKeyframeModelRecord is one model of a keyframe, stored as a compressed blob.
type MigrationKeyframeModelRecord struct {
	KeyframeID int64  `gorm:"column:keyframe_id;primaryKey;autoIncrement:false"`
	Fqid       string `gorm:"column:fqid;primaryKey;size:255"`
	Collection string `gorm:"column:collection;size:255;not null;index"`
	Deleted    bool   `gorm:"column:deleted;not null"`
	Data       []byte `gorm:"column:data;not null"`
}

func (MigrationKeyframeModelRecord) TableName() string {
	return "migration_keyframe_models"
}

// Records lists every table for schema migration.
func Records() []any {
	return []any{
		&EventRecord{},
		&PositionRecord{},
		&ModelRecord{},
		&CollectionFieldRecord{},
		&EventToCollectionFieldRecord{},
		&IDSequenceRecord{},
		&MigrationPositionRecord{},
		&MigrationEventRecord{},
		&MigrationKeyframeRecord{},
		&MigrationKeyframeModelRecord{},
	}
}
