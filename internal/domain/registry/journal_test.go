package registry

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/medclaim/medclaim/internal/platform/db"
	"github.com/medclaim/medclaim/migrations"
)

// journalContract runs the behaviour every Journal must share.
func journalContract(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	events := sealedChain(t)

	for i := range events {
		if err := j.Append(ctx, &events[i]); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	dup := events[1]
	if err := j.Append(ctx, &dup); !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict for a taken seq, got %v", err)
	}

	var got []uint64
	err := j.Replay(ctx, 1, func(e *Event) error {
		got = append(got, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected seqs [1 2], got %v", got)
	}

	height, head, err := VerifyJournal(ctx, j)
	if err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
	if height != 3 || head != events[2].Hash {
		t.Errorf("unexpected verified position %d %s", height, head.Hex())
	}

	stop := errors.New("stop")
	calls := 0
	err = j.Replay(ctx, 0, func(*Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("callback error should end replay, got %v after %d calls", err, calls)
	}
}

func TestMemJournal(t *testing.T) {
	journalContract(t, NewMemJournal())
}

func TestMemJournal_ReplayPastEnd(t *testing.T) {
	j := NewMemJournal()
	err := j.Replay(context.Background(), 10, func(*Event) error {
		t.Fatal("no events expected")
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
}

func openMemLevelDB(t *testing.T) *leveldb.DB {
	t.Helper()
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("leveldb.Open: %v", err)
	}
	return ldb
}

func TestLevelDBJournal(t *testing.T) {
	ldb := openMemLevelDB(t)
	j, err := NewLevelDBJournal(ldb)
	if err != nil {
		t.Fatalf("NewLevelDBJournal: %v", err)
	}
	defer j.Close()

	journalContract(t, j)
	if j.Height() != 3 {
		t.Errorf("expected height 3, got %d", j.Height())
	}

	again, err := NewLevelDBJournal(ldb)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.Height() != 3 {
		t.Errorf("height should be read back from the database, got %d", again.Height())
	}
}

func TestLevelDBJournal_ReopenFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenLevelDBJournal(dir)
	if err != nil {
		t.Fatalf("OpenLevelDBJournal: %v", err)
	}
	r, err := Open(ctx, j, admin)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = r.AddHospital(ctx, admin, hospital)
	_ = r.AddInsurance(ctx, admin, insurer)
	recID, _ := r.SubmitMedicalRecord(ctx, hospital, patient, "ipfs://disk", 300)
	claimID, _ := r.SubmitClaim(ctx, patient, recID, insurer)
	_ = r.ValidateClaim(ctx, insurer, claimID, true)
	head := r.Head()
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenLevelDBJournal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	r2, err := Open(ctx, j2, admin)
	if err != nil {
		t.Fatalf("Open after restart: %v", err)
	}
	if r2.Head() != head {
		t.Errorf("head changed across restart")
	}
	if status, _ := r2.GetClaimStatus(claimID); status != StatusApproved {
		t.Errorf("expected approved after restart, got %s", status)
	}
}

// TestPGJournal needs a scratch database:
//
//	MEDCLAIM_TEST_DATABASE_URL=postgres://localhost/medclaim_test go test ./internal/domain/registry/
func TestPGJournal(t *testing.T) {
	url := os.Getenv("MEDCLAIM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEDCLAIM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	const schema = "medclaim_journal_test"
	pool, err := db.NewPool(ctx, url, 4, 1, schema)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := db.EnsureSchema(ctx, pool, schema, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	j := NewPGJournal(pool)
	r, err := Open(ctx, j, admin)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = r.AddHospital(ctx, admin, hospital)
	_ = r.AddInsurance(ctx, admin, insurer)
	recID, _ := r.SubmitMedicalRecord(ctx, hospital, patient, "ipfs://pg", 700)
	claimID, _ := r.SubmitClaim(ctx, patient, recID, insurer)
	_ = r.ValidateClaim(ctx, insurer, claimID, false)

	rows, total, err := j.ClaimsByStatus(ctx, StatusRejected, 10, 0)
	if err != nil {
		t.Fatalf("ClaimsByStatus: %v", err)
	}
	if total != 1 || len(rows) != 1 || rows[0].ID != claimID || rows[0].DecidedAt == nil {
		t.Errorf("unexpected projection: total=%d rows=%+v", total, rows)
	}

	reopened, err := Open(ctx, NewPGJournal(pool), admin)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Head() != r.Head() {
		t.Errorf("head differs after replay from postgres")
	}

	stale := sealedChain(t)[1]
	if err := j.Append(ctx, &stale); !errors.Is(err, ErrSeqConflict) {
		t.Errorf("expected ErrSeqConflict, got %v", err)
	}
}
