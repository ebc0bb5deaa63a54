package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dleitner/syllaparse/internal/model"
	"github.com/dleitner/syllaparse/internal/store/storetest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func payloadJSON(t *testing.T, p storedPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestLookupNormalizesName(t *testing.T) {
	var gotKey string
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			gotKey, _ = args[1].(string)
			raw, _ := json.Marshal(storedPayload{Events: []model.Event{{Title: "Lecture", StartsAt: base}}})
			return storetest.ValueRow("dr-1", "res-1", "jane doe", "Jane Doe", raw, base)
		},
	}
	c := New(db)
	res := c.Lookup(context.Background(), "res-1", "Doe,  Jane ")
	if res == nil {
		t.Fatalf("expected hit")
	}
	if gotKey != "jane doe" {
		t.Fatalf("expected normalized key %q, got %q", "jane doe", gotKey)
	}
	if res.EntityDisplay != "Jane Doe" || res.Schedule.EntityName != "Jane Doe" {
		t.Fatalf("expected display name on schedule, got %+v", res)
	}
	if len(res.Schedule.Events) != 1 || res.Schedule.Events[0].Title != "Lecture" {
		t.Fatalf("expected reconstructed events, got %+v", res.Schedule.Events)
	}
}

func TestLookupReconstructsTermOnlyWithBothBounds(t *testing.T) {
	end := base.AddDate(0, 4, 0)
	cases := []struct {
		name     string
		payload  storedPayload
		wantTerm bool
	}{
		{"both bounds", storedPayload{TermStart: &base, TermEnd: &end}, true},
		{"start only", storedPayload{TermStart: &base}, false},
		{"end only", storedPayload{TermEnd: &end}, false},
		{"no bounds", storedPayload{}, false},
	}
	for _, tc := range cases {
		raw := payloadJSON(t, tc.payload)
		db := &storetest.DB{
			QueryRowFn: func(sql string, args ...any) pgx.Row {
				return storetest.ValueRow("dr-1", "res-1", "jane doe", "Jane Doe", raw, base)
			},
		}
		res := New(db).Lookup(context.Background(), "res-1", "jane doe")
		if res == nil {
			t.Fatalf("%s: expected hit", tc.name)
		}
		if tc.wantTerm && (res.Schedule.Term == nil || !res.Schedule.Term.End.Equal(end)) {
			t.Fatalf("%s: expected term reconstructed, got %+v", tc.name, res.Schedule.Term)
		}
		if !tc.wantTerm && res.Schedule.Term != nil {
			t.Fatalf("%s: expected no term, got %+v", tc.name, res.Schedule.Term)
		}
	}
}

func TestUpsertUsesConditionalInsert(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			raw, _ := args[4].([]byte)
			return storetest.ValueRow("dr-1", "res-1", "jane doe", "Jane Doe", raw, base)
		},
	}
	c := New(db)
	sched := model.Schedule{
		EntityName: "Jane Doe",
		Events:     []model.Event{{Title: "Exam", StartsAt: base}},
	}
	res := c.Upsert(context.Background(), "res-1", "Doe, Jane", sched)
	if res == nil {
		t.Fatalf("expected upserted row")
	}
	calls := db.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].SQL, "ON CONFLICT (resource_id, entity_key)") {
		t.Fatalf("expected single conditional insert, got %+v", calls)
	}
	if calls[0].Args[2] != "jane doe" || calls[0].Args[3] != "Jane Doe" {
		t.Fatalf("expected normalized key and display form, got %v", calls[0].Args)
	}
	if len(res.Schedule.Events) != 1 || res.Schedule.Events[0].Title != "Exam" {
		t.Fatalf("expected payload round-tripped, got %+v", res.Schedule)
	}
}

func TestStoreFailureDegradesToMiss(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return storetest.ErrRow(errors.New("connection refused"))
		},
	}
	c := New(db)
	ctx := context.Background()
	if c.Lookup(ctx, "res-1", "jane doe") != nil {
		t.Fatalf("lookup must degrade to miss")
	}
	if c.Upsert(ctx, "res-1", "jane doe", model.Schedule{}) != nil {
		t.Fatalf("upsert must degrade to no-op")
	}
	if c.Get(ctx, "dr-1") != nil {
		t.Fatalf("get must degrade to miss")
	}
}

func TestNilStoreIsAlwaysAMiss(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	if c.Lookup(ctx, "res-1", "jane doe") != nil || c.Get(ctx, "dr-1") != nil {
		t.Fatalf("nil store must miss")
	}
	if c.Upsert(ctx, "res-1", "jane doe", model.Schedule{}) != nil {
		t.Fatalf("nil store upsert must no-op")
	}
}
