package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolcore/internal/store"
)

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

func TestSharePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := SharePoint(&store.Share{Worker: "alice.rig1", JobID: "abc", Hash: "00ff", Valid: true, SubmittedAt: ts})

	if p.Name() != "shares" {
		t.Errorf("measurement = %q", p.Name())
	}
	line := lineProtocol(p)
	for _, want := range []string{"shares,", "valid=true", "worker=alice.rig1", `job_id="abc"`, "count=1i", "1700000000000000000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
}

func TestJobPoint(t *testing.T) {
	p := JobPoint(&store.Job{ID: "j1", PrevBlockHash: "prev", TargetHex: "00ff", LeadingZeros: 1, CreatedAt: time.Unix(1, 0)})
	line := lineProtocol(p)
	for _, want := range []string{"jobs,prev_block=prev", `job_id="j1"`, "leading_zeros=1i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
}

func TestConnectionPoint(t *testing.T) {
	line := lineProtocol(ConnectionPoint("connected", 3, time.Unix(2, 0)))
	if !strings.HasPrefix(line, "connections,event=connected active=3i 2000000000") {
		t.Errorf("line = %q", line)
	}
}
