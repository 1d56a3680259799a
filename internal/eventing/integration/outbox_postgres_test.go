package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync/atomic"
	"testing"

	"coldchain-cloud/internal/eventing"
	eventingrepo "coldchain-cloud/internal/eventing/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestOutbox_PostgresDispatchAndDeadLetter(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "notification_outbox") || !tableExists(db, "notification_dead_letters") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM notification_dead_letters")
	_, _ = db.ExecContext(ctx, "DELETE FROM notification_outbox")

	outbox := eventingrepo.NewOutboxStore(db)
	dlq := eventingrepo.NewDLQStore(db)

	var delivered atomic.Int32
	sink := eventing.SinkFunc(func(_ context.Context, env eventing.Envelope) error {
		if env.EventType == "alert.poison" {
			return eventing.ErrPermanent
		}
		delivered.Add(1)
		return nil
	})
	dispatcher, err := eventing.NewDispatcher(sink, outbox, dlq)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	publisher, err := eventing.NewPublisher(outbox, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	meta := eventing.Meta{EventID: "0b6a4c1e-4ad2-4e55-9d57-2a5f0a0d0001", UnitID: "unit-1"}
	first, err := outbox.Insert(ctx, mustEnvelope(t, "alert.created", meta))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := outbox.Insert(ctx, mustEnvelope(t, "alert.created", meta))
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if first != second {
		t.Fatalf("expected duplicate insert to return %s, got %s", first, second)
	}
	if _, err := publisher.Publish(ctx, "alert.poison", map[string]string{"alert_id": "x"}, eventing.Meta{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := dispatcher.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if delivered.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", delivered.Load())
	}
	letters, err := dlq.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(letters) != 1 || letters[0].Envelope.EventType != "alert.poison" {
		t.Fatalf("expected one poison dead letter, got %+v", letters)
	}
}

func mustEnvelope(t *testing.T, eventType string, meta eventing.Meta) eventing.Envelope {
	t.Helper()
	env, err := eventing.BuildEnvelope(eventType, map[string]string{"alert_id": "a-1"}, meta)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
