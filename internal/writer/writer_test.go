package writer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
)

func TestWriteProjectsModelAndPublishes(t *testing.T) {
	writer, db, publisher, _ := newTestWriter(t, false)

	mustWrite(t, writer, `{"user_id":1,"events":[{"type":"create","fqid":"a/1","fields":{"f":1}}]}`)
	positions := mustWrite(t, writer, `{"user_id":1,"information":{"reason":"edit"},"events":[{"type":"update","fqid":"a/1","fields":{"f":null,"g":2}}]}`)
	if !reflect.DeepEqual(positions, []int64{2}) {
		t.Fatalf("unexpected positions: %v", positions)
	}

	model := loadModel(t, db, "a/1")
	if len(model.Fields()) != 1 || model["g"] != float64(2) {
		t.Fatalf("unexpected model: %#v", model)
	}
	if model.IsDeleted() || model.Position() != 2 {
		t.Fatalf("unexpected meta fields: %#v", model)
	}

	if len(publisher.batches) != 2 {
		t.Fatalf("expected two published batches, got %d", len(publisher.batches))
	}
	published := publisher.batches[1][2]["a/1"]
	expected := map[string]any{"f": nil, "g": float64(2), datastore.MetaPosition: int64(2)}
	if !reflect.DeepEqual(published, expected) {
		t.Fatalf("unexpected published fields: %#v", published)
	}

	var events []storage.EventRecord
	if err := db.Order("position, weight").Find(&events).Error; err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	types := []string{}
	for _, event := range events {
		types = append(types, event.Type)
	}
	if !reflect.DeepEqual(types, []string{"create", "update", "deletefields"}) {
		t.Fatalf("unexpected event types: %v", types)
	}

	var sequence storage.IDSequenceRecord
	if err := db.Where("collection = ?", "a").Take(&sequence).Error; err != nil {
		t.Fatalf("expected id sequence: %v", err)
	}
	if sequence.NextID != 2 {
		t.Fatalf("unexpected next id: %d", sequence.NextID)
	}
}

func TestWriteRejectsLifecycleViolations(t *testing.T) {
	writer, _, _, _ := newTestWriter(t, false)
	mustWrite(t, writer, `{"events":[{"type":"create","fqid":"a/1"}]}`)

	testCases := []struct {
		name  string
		raw   string
		check func(error) bool
	}{
		{name: "create existing", raw: `{"events":[{"type":"create","fqid":"a/1"}]}`, check: datastore.IsModelExists},
		{name: "update missing", raw: `{"events":[{"type":"update","fqid":"a/2","fields":{"f":1}}]}`, check: datastore.IsModelDoesNotExist},
		{name: "restore live", raw: `{"events":[{"type":"restore","fqid":"a/1"}]}`, check: datastore.IsModelNotDeleted},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := writer.Write(context.Background(), mustRequests(t, testCase.raw))
			if !testCase.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteBatchIsAtomic(t *testing.T) {
	writer, db, publisher, _ := newTestWriter(t, false)
	raw := `[
		{"events":[{"type":"create","fqid":"a/1","fields":{"f":1}}]},
		{"events":[{"type":"update","fqid":"a/2","fields":{"f":1}}]}
	]`
	if _, err := writer.Write(context.Background(), mustRequests(t, raw)); !datastore.IsModelDoesNotExist(err) {
		t.Fatalf("expected ModelDoesNotExist, got %v", err)
	}
	if model := loadModel(t, db, "a/1"); model != nil {
		t.Fatalf("expected no partial application, got %#v", model)
	}
	position, err := storage.MaxPosition(context.Background(), db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if position != 0 {
		t.Fatalf("expected no committed position, got %d", position)
	}
	if len(publisher.batches) != 0 {
		t.Fatalf("expected nothing published for a failed batch")
	}
}

func TestWriteStoresEffectiveListDelta(t *testing.T) {
	writer, db, _, _ := newTestWriter(t, false)
	mustWrite(t, writer, `{"events":[{"type":"create","fqid":"a/1","fields":{"f":[1]}}]}`)
	mustWrite(t, writer, `{"events":[{"type":"update","fqid":"a/1","list_fields":{"add":{"f":[1,2]},"remove":{"g":[3]}}}]}`)
	mustWrite(t, writer, `{"events":[{"type":"update","fqid":"a/1","list_fields":{"add":{"f":[2,3]}}}]}`)

	model := loadModel(t, db, "a/1")
	if !reflect.DeepEqual(model["f"], []any{float64(1), float64(2), float64(3)}) {
		t.Fatalf("unexpected list: %#v", model["f"])
	}

	var event storage.EventRecord
	if err := db.Where("position = ?", 2).Take(&event).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if event.Data != `{"add":{"f":[2]},"remove":{}}` {
		t.Fatalf("unexpected stored delta: %s", event.Data)
	}
}

func TestWriteSkipsListUpdateWithoutEffect(t *testing.T) {
	writer, db, publisher, _ := newTestWriter(t, false)
	mustWrite(t, writer, `{"events":[{"type":"create","fqid":"a/1","fields":{"f":[1]}}]}`)
	mustWrite(t, writer, `{"events":[{"type":"update","fqid":"a/1","list_fields":{"add":{"f":[1]}}}]}`)

	var count int64
	if err := db.Model(&storage.EventRecord{}).Where("position = ?", 2).Count(&count).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored event, got %d", count)
	}
	if len(publisher.batches[1][2]) != 0 {
		t.Fatalf("expected no published fields, got %#v", publisher.batches[1])
	}
	if loadModel(t, db, "a/1").Position() != 1 {
		t.Fatalf("expected model position to stay at 1")
	}
}

func TestReserveIDsIsContiguous(t *testing.T) {
	writer, _, _, _ := newTestWriter(t, false)
	mustWrite(t, writer, `{"events":[{"type":"create","fqid":"a/5"}]}`)

	first, err := writer.ReserveIDs(context.Background(), "a", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, []int64{6, 7, 8}) {
		t.Fatalf("unexpected ids: %v", first)
	}
	second, err := writer.ReserveIDs(context.Background(), "b", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(second, []int64{1, 2}) {
		t.Fatalf("unexpected ids: %v", second)
	}
	if _, err := writer.ReserveIDs(context.Background(), "a", 0); !datastore.IsInvalidFormat(err) {
		t.Fatalf("expected InvalidFormat, got %v", err)
	}
}

func TestTruncateDBRequiresDevMode(t *testing.T) {
	writer, _, _, _ := newTestWriter(t, false)
	if err := writer.TruncateDB(context.Background()); !errors.Is(err, ErrNotDevMode) {
		t.Fatalf("expected ErrNotDevMode, got %v", err)
	}

	devWriter, db, _, _ := newTestWriter(t, true)
	mustWrite(t, devWriter, `{"events":[{"type":"create","fqid":"a/1"}]}`)
	if err := devWriter.TruncateDB(context.Background()); err != nil {
		t.Fatalf("unexpected truncate error: %v", err)
	}
	if loadModel(t, db, "a/1") != nil {
		t.Fatalf("expected models to be removed")
	}
	positions := mustWrite(t, devWriter, `{"events":[{"type":"create","fqid":"a/1"}]}`)
	if positions[0] != 1 {
		t.Fatalf("expected positions to restart at 1, got %d", positions[0])
	}
}

func TestDeleteHistoryInformation(t *testing.T) {
	writer, db, _, _ := newTestWriter(t, false)
	mustWrite(t, writer, `{"information":["created"],"events":[{"type":"create","fqid":"a/1"}]}`)
	if err := writer.DeleteHistoryInformation(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var position storage.PositionRecord
	if err := db.Take(&position).Error; err != nil {
		t.Fatalf("failed to load position: %v", err)
	}
	if position.Information != nil {
		t.Fatalf("expected information to be cleared, got %s", *position.Information)
	}
}

func TestTrimCollectionFieldsRemovesOldLinks(t *testing.T) {
	writer, db, _, clock := newTestWriter(t, false)
	mustWrite(t, writer, `{"events":[{"type":"create","fqid":"a/1","fields":{"f":1}}]}`)
	clock.now = clock.now.Add(48 * time.Hour)
	mustWrite(t, writer, `{"events":[{"type":"update","fqid":"a/1","fields":{"f":2}}]}`)

	removed, err := writer.TrimCollectionFields(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected the two links of position 1 to be removed, got %d", removed)
	}
	var remaining int64
	if err := db.Model(&storage.EventToCollectionFieldRecord{}).Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count links: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected one remaining link, got %d", remaining)
	}
}

func TestWriteWithMigrationIndexStampsPositions(t *testing.T) {
	writer, db, _, _ := newTestWriter(t, false)
	requests := mustRequests(t, `{"events":[{"type":"create","fqid":"a/1"}]}`)
	if _, err := writer.WriteWithMigrationIndex(context.Background(), requests, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mustWrite(t, writer, `{"events":[{"type":"update","fqid":"a/1","fields":{"f":1}}]}`)

	index, err := storage.MigrationIndex(context.Background(), db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index != 4 {
		t.Fatalf("expected later writes to inherit index 4, got %d", index)
	}
}
