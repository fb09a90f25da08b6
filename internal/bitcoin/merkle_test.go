package bitcoin

import (
	"fmt"
	"reflect"
	"testing"
)

func TestMerkleRoot(t *testing.T) {
	a, b, c := "coinbase", "tx1", "tx2"

	tests := []struct {
		name  string
		items []string
		want  string
	}{
		{"empty", nil, ""},
		{"single", []string{a}, Sha256Hex(a)},
		{"pair", []string{a, b}, Sha256Hex(a + b)},
		{"odd count hashes the last element alone", []string{a, b, c}, Sha256Hex(Sha256Hex(a+b) + Sha256Hex(c))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MerkleRoot(tt.items); got != tt.want {
				t.Errorf("MerkleRoot() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMerkleRootShape(t *testing.T) {
	for n := 1; n <= 17; n++ {
		items := make([]string, n)
		for i := range items {
			items[i] = fmt.Sprintf("tx%d", i)
		}
		root := MerkleRoot(items)
		if len(root) != 64 || !IsHex(root) {
			t.Errorf("n=%d: root %q is not 64 hex characters", n, root)
		}
	}
}

func TestMerkleRootOrderMatters(t *testing.T) {
	if MerkleRoot([]string{"a", "b"}) == MerkleRoot([]string{"b", "a"}) {
		t.Error("swapping leaves should change the root")
	}
}

func TestNextMerkleLevel(t *testing.T) {
	level := []string{"a", "b", "c", "d", "e"}
	next := NextMerkleLevel(level)

	want := []string{Sha256Hex("ab"), Sha256Hex("cd"), Sha256Hex("e")}
	if !reflect.DeepEqual(next, want) {
		t.Errorf("NextMerkleLevel() = %v, want %v", next, want)
	}
	if !reflect.DeepEqual(level, []string{"a", "b", "c", "d", "e"}) {
		t.Error("NextMerkleLevel must not modify its input")
	}

	for n := 1; n <= 9; n++ {
		if got := len(NextMerkleLevel(make([]string, n))); got != (n+1)/2 {
			t.Errorf("len(NextMerkleLevel(%d items)) = %d, want %d", n, got, (n+1)/2)
		}
	}
}
