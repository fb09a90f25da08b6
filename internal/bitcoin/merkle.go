package bitcoin

// MerkleRoot folds items, coinbase first, into a single hex root using
// NextMerkleLevel. An empty list has the empty root. A single item is hashed
// once, so every non-empty input produces a 64-character root.
func MerkleRoot(items []string) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) == 1 {
		return Sha256Hex(items[0])
	}

	level := items
	for len(level) > 1 {
		level = NextMerkleLevel(level)
	}
	return level[0]
}

// NextMerkleLevel hashes consecutive pairs of level with single SHA-256 over
// their concatenation. A trailing unpaired element is hashed on its own
// rather than duplicated. The result has ceil(len(level)/2) elements.
func NextMerkleLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, Sha256Hex(level[i]+level[i+1]))
		} else {
			next = append(next, Sha256Hex(level[i]))
		}
	}
	return next
}
