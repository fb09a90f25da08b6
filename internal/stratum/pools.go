// Package stratum implements the pool side of the JSON-over-newline Stratum
// protocol: the per-connection session state machine, request dispatch, job
// broadcast and the TCP acceptor that owns the connections.
package stratum

import (
	"bufio"
	"io"
	"sync"
)

// readerPool reuses the line readers of finished sessions. A reader's buffer
// size is the longest line a session accepts.
var readerPool = sync.Pool{
	New: func() any {
		return bufio.NewReaderSize(nil, maxLineSize)
	},
}

func getReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func putReader(br *bufio.Reader) {
	br.Reset(nil)
	readerPool.Put(br)
}
