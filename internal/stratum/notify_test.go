package stratum

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/store"
)

func TestNewNotifyParams(t *testing.T) {
	cb, err := bitcoin.BuildCoinbase(fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	job := &store.Job{
		ID:            "job",
		CoinbaseHex:   cb,
		MerkleRootHex: "root",
		PrevBlockHash: "prev",
		TargetHex:     strings.Repeat("0", 64),
	}

	p, err := NewNotifyParams(job, time.Unix(0x6553f100, 0))
	if err != nil {
		t.Fatalf("NewNotifyParams() error = %v", err)
	}

	coinb1, coinb2, _ := bitcoin.SplitCoinbase(cb)
	want := []any{"job", "prev", coinb1, coinb2, []string{"root"}, "20000000", "1d00ffff", "6553f100", true}
	if got := p.Params(); !reflect.DeepEqual(got, want) {
		t.Errorf("Params() = %v, want %v", got, want)
	}
	if len(p.Coinb1) != 84 {
		t.Errorf("coinb1 length = %d, want 84", len(p.Coinb1))
	}
}

func TestNewNotifyParams_EmptyBranch(t *testing.T) {
	cb, _ := bitcoin.BuildCoinbase(fixedNow)
	p, err := NewNotifyParams(&store.Job{ID: "j", CoinbaseHex: cb}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if p.MerkleBranch == nil || len(p.MerkleBranch) != 0 {
		t.Errorf("MerkleBranch = %#v, want an empty non-nil slice", p.MerkleBranch)
	}

	line, err := encodeNotify(&store.Job{ID: "j", CoinbaseHex: cb}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(line), `,[],"20000000",`) {
		t.Errorf("empty branch must encode as [], got %s", line)
	}
}

func TestNewNotifyParams_BadCoinbase(t *testing.T) {
	if _, err := NewNotifyParams(&store.Job{ID: "j", CoinbaseHex: "zz"}, fixedNow); err == nil {
		t.Error("expected an error for a malformed coinbase")
	}
}
