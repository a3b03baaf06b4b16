package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/requisition/model"
)

func testResponse() Response {
	return Response{
		StatusCode: 201,
		Body:       json.RawMessage(`{"status_code":201,"data":{"id":"job-1"}}`),
	}
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := Key("create_job", "p1", "u1", "k1")

	t.Run("miss", func(t *testing.T) {
		resp, found, err := store.Check(ctx, key, "hash-a")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if found || resp != nil {
			t.Fatalf("found = %v, resp = %+v; want miss", found, resp)
		}
	})

	if err := store.Save(ctx, key, "hash-a", testResponse(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	t.Run("hit", func(t *testing.T) {
		resp, found, err := store.Check(ctx, key, "hash-a")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !found || resp == nil {
			t.Fatal("expected a recorded response")
		}
		if resp.StatusCode != 201 {
			t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
		}
		if string(resp.Body) != string(testResponse().Body) {
			t.Errorf("Body = %s", resp.Body)
		}
	})

	t.Run("different input conflicts", func(t *testing.T) {
		_, found, err := store.Check(ctx, key, "hash-b")
		if !found {
			t.Error("found = false, want true")
		}
		if !model.HasCode(err, model.ErrConflict) {
			t.Errorf("err = %v, want CONFLICT", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "k", "h", testResponse(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil || found {
		t.Fatalf("found = %v, err = %v; want expired miss", found, err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storeContract(t, NewRedisStore(client))

	ttl := mr.TTL(Key("create_job", "p1", "u1", "k1"))
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within a minute", ttl)
	}
}

func TestRedisStore_FirstSaveWins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	first := testResponse()
	second := Response{StatusCode: 500, Body: json.RawMessage(`{}`)}
	if err := store.Save(ctx, "k", "h", first, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "k", "h", second, time.Minute); err != nil {
		t.Fatal(err)
	}
	resp, _, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want the first response", resp.StatusCode)
	}
}

func TestHashInput(t *testing.T) {
	a := HashInput([]byte(`{"a":1}`))
	if a != HashInput([]byte(`{"a":1}`)) {
		t.Error("hash is not deterministic")
	}
	if a == HashInput([]byte(`{"a":2}`)) {
		t.Error("different bodies hash equal")
	}
}
