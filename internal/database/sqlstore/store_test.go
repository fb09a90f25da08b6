package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "pool", "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := store.CreateTables(ctx, s); err != nil {
		t.Fatalf("CreateTables() error: %v", err)
	}
	// Tables are created idempotently.
	if err := store.CreateTables(ctx, s); err != nil {
		t.Fatalf("second CreateTables() error: %v", err)
	}
	return s
}

func TestStore_Jobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.SelectLatestActiveJob(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty table: error = %v, want ErrNotFound", err)
	}

	t0 := time.Unix(1700000000, 0)
	first := &store.Job{ID: "job-1", CoinbaseHex: "01", MerkleRootHex: "aa", PrevBlockHash: "p1", TargetHex: "00ff", LeadingZeros: 0, CreatedAt: t0}
	second := &store.Job{ID: "job-2", CoinbaseHex: "02", MerkleRootHex: "bb", PrevBlockHash: "p2", TargetHex: "000f", LeadingZeros: 0, CreatedAt: t0.Add(time.Second)}

	for _, j := range []*store.Job{first, second} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob(%s) error: %v", j.ID, err)
		}
	}

	latest, err := s.SelectLatestActiveJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "job-2" || latest.PrevBlockHash != "p2" || !latest.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("latest job = %+v", latest)
	}
	if latest.Status != store.JobActive {
		t.Errorf("latest status = %s", latest.Status)
	}

	if target, err := s.SelectTargetByJobID(ctx, "job-1"); err != nil || target != "00ff" {
		t.Errorf("stale job target = %q, %v", target, err)
	}
	if _, err := s.SelectTargetByJobID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown job error = %v", err)
	}

	if err := s.InsertJob(ctx, &store.Job{ID: "job-1", CreatedAt: t0}); !errors.Is(err, store.ErrDuplicateJob) {
		t.Errorf("duplicate job error = %v, want ErrDuplicateJob", err)
	}
	// A failed insert must not retire the current job.
	if latest, err := s.SelectLatestActiveJob(ctx); err != nil || latest.ID != "job-2" {
		t.Errorf("after duplicate insert latest = %+v, %v", latest, err)
	}
}

func TestStore_Miners(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := &store.Miner{Username: "alice", Password: "secret", Address: "bc1qalice"}
	if err := s.InsertMiner(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MinerOffline {
		t.Errorf("default status = %s", m.Status)
	}
	if err := s.InsertMiner(ctx, &store.Miner{Username: "alice", Password: "x", Address: "y"}); !errors.Is(err, store.ErrDuplicateMiner) {
		t.Errorf("duplicate miner error = %v", err)
	}

	seen := time.Unix(1700000100, 0)
	if err := s.UpdateStatus(ctx, "alice", store.MinerOnline, seen); err != nil {
		t.Fatal(err)
	}
	got, err := s.SelectMinerByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Password != "secret" || got.Address != "bc1qalice" || got.Status != store.MinerOnline || !got.LastSeen.Equal(seen) {
		t.Errorf("miner = %+v", got)
	}

	if _, err := s.SelectMinerByUsername(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown miner error = %v", err)
	}
	if err := s.UpdateStatus(ctx, "bob", store.MinerOnline, seen); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown miner update error = %v", err)
	}
}

func TestStore_Shares(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Unix(1700000000, 0)

	shares := []store.Share{
		{Worker: "alice", JobID: "j", Valid: true, SubmittedAt: t0},
		{Worker: "alice.rig1", JobID: "j", Valid: true, SubmittedAt: t0.Add(time.Minute)},
		{Worker: "alice", JobID: "j", Valid: false, SubmittedAt: t0.Add(time.Minute)},
		{Worker: "alicex", JobID: "j", Valid: true, SubmittedAt: t0.Add(time.Minute)},
		{Worker: "bob", JobID: "j", Valid: true, SubmittedAt: t0.Add(time.Minute)},
	}
	for i := range shares {
		if err := s.InsertShare(ctx, &shares[i]); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		username string
		since    time.Time
		want     int64
	}{
		{"all time", "alice", time.Time{}, 2},
		{"window", "alice", t0.Add(time.Second), 1},
		{"other account", "bob", time.Time{}, 1},
		{"no shares", "carol", time.Time{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.CountValidShares(ctx, tt.username, tt.since)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.want {
				t.Errorf("CountValidShares() = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	lite := &Store{driver: DriverSQLite}
	q := `UPDATE t SET a = ?, b = ? WHERE c = ?`

	if got, want := pg.rebind(q), `UPDATE t SET a = $1, b = $2 WHERE c = $3`; got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Error("Open() with an unknown driver should fail")
	}
}
