package stratum

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/miner"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/log"
)

var fixedNow = time.Unix(1700000000, 0)

type fixture struct {
	mem      *store.Memory
	registry *miner.Registry
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	registry := miner.NewRegistry(mem, log.Nop())
	validator := validation.NewShareValidator(mem, mem, log.Nop())
	handler := NewHandler(mem, registry, validator, log.Nop(), WithHandlerClock(func() time.Time { return fixedNow }))
	return &fixture{mem: mem, registry: registry, server: NewServer(handler, log.Nop())}
}

func (f *fixture) register(t *testing.T, username, password string) {
	t.Helper()
	ok, err := f.registry.Register(context.Background(), username, password, "addr-"+username)
	if err != nil || !ok {
		t.Fatalf("Register(%s) = %v, %v", username, ok, err)
	}
}

func (f *fixture) seedJob(t *testing.T, id, target string) *store.Job {
	t.Helper()
	cb, err := bitcoin.BuildCoinbase(fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	job := &store.Job{
		ID:            id,
		CoinbaseHex:   cb,
		MerkleRootHex: bitcoin.MerkleRoot([]string{cb}),
		PrevBlockHash: strings.Repeat("ab", 32),
		TargetHex:     target,
		CreatedAt:     fixedNow,
	}
	if err := f.mem.InsertJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

var nextTestConnID atomic.Uint64

// connect runs a session for one end of a pipe and returns the other end.
func (f *fixture) connect(t *testing.T, ctx context.Context) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	c := &testClient{t: t, conn: clientSide, r: bufio.NewReader(clientSide), done: make(chan struct{})}
	go func(id uint64) {
		defer close(c.done)
		f.server.HandleConn(ctx, &conn{Conn: serverSide, id: id})
	}(nextTestConnID.Add(1))

	t.Cleanup(func() { c.close() })
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := sonic.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("reply %q is not JSON: %v", line, err)
	}
	return msg
}

// call sends a request and returns the next line.
func (c *testClient) call(line string) map[string]any {
	c.t.Helper()
	c.send(line)
	return c.read()
}

// close hangs up and waits for the server side to finish.
func (c *testClient) close() {
	_ = c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.t.Error("session did not end after the client hung up")
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.connect(t, ctx)
	reply := a.call(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.0"]}`)

	if reply["id"] != float64(1) || reply["error"] != nil {
		t.Fatalf("subscribe reply = %v", reply)
	}
	result, ok := reply["result"].([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("subscribe result = %v", reply["result"])
	}

	subs := result[0].([]any)
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %v", subs)
	}
	for i, method := range []string{MethodSetDifficulty, MethodNotify} {
		pair := subs[i].([]any)
		if pair[0] != method {
			t.Errorf("subscription %d method = %v, want %s", i, pair[0], method)
		}
		if id, _ := pair[1].(string); len(id) != 32 || !bitcoin.IsHex(id) {
			t.Errorf("subscription %d id = %v", i, pair[1])
		}
	}

	en1, _ := result[1].(string)
	if len(en1) != 2*extraNonce1Size || !bitcoin.IsHex(en1) {
		t.Errorf("extranonce1 = %v", result[1])
	}
	if result[2] != float64(4) {
		t.Errorf("extranonce2 size = %v, want 4", result[2])
	}

	b := f.connect(t, ctx)
	other := b.call(`{"id":1,"method":"mining.subscribe","params":[]}`)
	if other["result"].([]any)[1] == en1 {
		t.Error("two sessions got the same extranonce1")
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "secret")
	c := f.connect(t, context.Background())

	tests := []struct {
		name      string
		request   string
		wantOK    bool
		wantError any
	}{
		{"unknown user", `{"id":2,"method":"mining.authorize","params":["bob","x"]}`, false, ErrAuthFailed},
		{"wrong password", `{"id":3,"method":"mining.authorize","params":["alice","nope"]}`, false, ErrAuthFailed},
		{"missing params", `{"id":4,"method":"mining.authorize","params":[]}`, false, ErrAuthFailed},
		{"worker of registered account", `{"id":5,"method":"mining.authorize","params":["alice.rig1","secret"]}`, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := c.call(tt.request)
			if reply["result"] != tt.wantOK || reply["error"] != tt.wantError {
				t.Errorf("reply = %v, want result %v error %v", reply, tt.wantOK, tt.wantError)
			}
		})
	}

	if !f.registry.IsOnline("alice") {
		t.Error("alice should be online after authorizing")
	}

	c.close()
	if f.registry.IsOnline("alice") {
		t.Error("alice should be offline after the connection closed")
	}
	m, err := f.mem.SelectMinerByUsername(context.Background(), "alice")
	if err != nil || m.Status != store.MinerOffline {
		t.Errorf("stored miner = %+v, %v", m, err)
	}
}

func TestReauthorizeReleasesPreviousAccount(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "a")
	f.register(t, "carol", "c")
	c := f.connect(t, context.Background())

	c.call(`{"id":1,"method":"mining.authorize","params":["alice","a"]}`)
	c.call(`{"id":2,"method":"mining.authorize","params":["alice","a"]}`)
	c.call(`{"id":3,"method":"mining.authorize","params":["carol","c"]}`)

	if f.registry.IsOnline("alice") || !f.registry.IsOnline("carol") {
		t.Errorf("online = %v, want [carol]", f.registry.Online())
	}
	c.close()
	if got := f.registry.Online(); len(got) != 0 {
		t.Errorf("online after close = %v", got)
	}
}

// An unregistered miner is turned away at authorize, yet its later submit
// is still answered true and recorded as invalid.
func TestSubmitAfterFailedAuthorize(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job1", strings.Repeat("f", 64))
	c := f.connect(t, context.Background())

	auth := c.call(`{"id":1,"method":"mining.authorize","params":["bob","pw"]}`)
	if auth["result"] != false || auth["error"] != ErrAuthFailed {
		t.Fatalf("authorize reply = %v", auth)
	}

	submit := c.call(`{"id":2,"method":"mining.submit","params":["bob","job1","00000001","6553f100","00000000"]}`)
	if submit["id"] != float64(2) || submit["result"] != true || submit["error"] != nil {
		t.Fatalf("submit reply = %v", submit)
	}

	shares := f.mem.Shares()
	if len(shares) != 1 || shares[0].Valid || shares[0].Worker != "bob" {
		t.Errorf("recorded shares = %+v", shares)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "pw")
	f.seedJob(t, "easy", strings.Repeat("f", 64))
	c := f.connect(t, context.Background())
	c.call(`{"id":1,"method":"mining.authorize","params":["alice.rig1","pw"]}`)

	tests := []struct {
		name      string
		request   string
		wantValid bool
	}{
		{"valid share", `{"id":2,"method":"mining.submit","params":["alice.rig1","easy","00000001","6553f100","00000000"]}`, true},
		{"other worker of same account", `{"id":3,"method":"mining.submit","params":["alice.rig2","easy","00000002","6553f100","00000000"]}`, true},
		{"unknown job", `{"id":4,"method":"mining.submit","params":["alice.rig1","gone","00000001","6553f100","00000000"]}`, false},
		{"worker of another account", `{"id":5,"method":"mining.submit","params":["mallory.rig1","easy","00000001","6553f100","00000000"]}`, false},
		{"too few params", `{"id":6,"method":"mining.submit","params":["alice.rig1"]}`, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := c.call(tt.request)
			if reply["result"] != true || reply["error"] != nil {
				t.Fatalf("submit reply = %v, want result true", reply)
			}
			shares := f.mem.Shares()
			if len(shares) != i+1 {
				t.Fatalf("recorded %d shares, want %d", len(shares), i+1)
			}
			if got := shares[i].Valid; got != tt.wantValid {
				t.Errorf("share valid = %v, want %v", got, tt.wantValid)
			}
		})
	}
}

// subscribe followed by extranonce.subscribe pushes exactly one notify.
func TestExtranonceSubscribePushesOneNotify(t *testing.T) {
	f := newFixture(t)
	target := "00000000ffff" + strings.Repeat("0", 52)
	job := f.seedJob(t, "job-42", target)
	c := f.connect(t, context.Background())

	c.call(`{"id":1,"method":"mining.subscribe","params":[]}`)
	reply := c.call(`{"id":2,"method":"mining.extranonce.subscribe","params":[]}`)
	if reply["id"] != float64(2) || reply["result"] != true || reply["error"] != nil {
		t.Fatalf("extranonce.subscribe reply = %v", reply)
	}

	notify := c.read()
	if notify["method"] != MethodNotify || notify["id"] != nil {
		t.Fatalf("expected a notify push, got %v", notify)
	}
	params := notify["params"].([]any)
	if len(params) != 9 {
		t.Fatalf("notify params = %v", params)
	}
	coinb1, coinb2, _ := bitcoin.SplitCoinbase(job.CoinbaseHex)
	want := []any{job.ID, job.PrevBlockHash, coinb1, coinb2, nil, "20000000", "1cffff00", "6553f100", true}
	for i, w := range want {
		if i == 4 {
			continue
		}
		if params[i] != w {
			t.Errorf("notify param %d = %v, want %v", i, params[i], w)
		}
	}
	if branch := params[4].([]any); len(branch) != 1 || branch[0] != job.MerkleRootHex {
		t.Errorf("merkle branch = %v", params[4])
	}

	// The next line must answer the next request, not a second notify.
	next := c.call(`{"id":3,"method":"mining.ping","params":[]}`)
	if next["id"] != float64(3) || next["error"] != ErrUnknownMethod {
		t.Errorf("line after notify = %v", next)
	}
}

func TestExtranonceSubscribeWithoutJob(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, context.Background())

	if reply := c.call(`{"id":1,"method":"mining.extranonce.subscribe"}`); reply["result"] != true {
		t.Fatalf("reply = %v", reply)
	}
	next := c.call(`{"id":2,"method":"nope"}`)
	if next["id"] != float64(2) {
		t.Errorf("unexpected push without an active job: %v", next)
	}
}

func TestProtocolErrorsKeepConnection(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, context.Background())

	malformed := c.call(`{"id":1,"method":`)
	if malformed["id"] != nil || malformed["result"] != nil || malformed["error"] != ErrInvalidFormat {
		t.Errorf("malformed reply = %v", malformed)
	}
	if _, ok := malformed["result"]; !ok {
		t.Error("error replies must carry a result member")
	}

	unknown := c.call(`{"id":7,"method":"mining.teleport","params":[]}`)
	if unknown["id"] != float64(7) || unknown["result"] != nil || unknown["error"] != ErrUnknownMethod {
		t.Errorf("unknown method reply = %v", unknown)
	}

	// Blank lines are ignored and the session still works.
	c.send("")
	if reply := c.call(`{"id":8,"method":"mining.subscribe"}`); reply["id"] != float64(8) || reply["error"] != nil {
		t.Errorf("subscribe after errors = %v", reply)
	}
}

func TestOversizedLineIsRecoverable(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, context.Background())

	long := `{"id":1,"method":"mining.subscribe","params":["` + strings.Repeat("x", 2*maxLineSize) + `"]}`
	reply := c.call(long)
	if reply["id"] != nil || reply["error"] != ErrInvalidFormat {
		t.Errorf("oversized line reply = %v", reply)
	}

	if reply := c.call(`{"id":2,"method":"mining.subscribe"}`); reply["id"] != float64(2) || reply["error"] != nil {
		t.Errorf("subscribe after oversized line = %v", reply)
	}
}

func TestRequestsAnsweredInOrder(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, context.Background())

	var batch strings.Builder
	for i := 1; i <= 20; i++ {
		batch.WriteString(`{"id":` + strconv.Itoa(i) + `,"method":"mining.subscribe"}` + "\n")
	}
	go func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, _ = c.conn.Write([]byte(batch.String()))
	}()

	for i := 1; i <= 20; i++ {
		if reply := c.read(); reply["id"] != float64(i) {
			t.Fatalf("reply %d has id %v", i, reply["id"])
		}
	}
}

func TestSessionStates(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	s, err := NewSession(&conn{Conn: serverSide, id: 1}, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateConnected {
		t.Fatalf("initial state = %v", s.State())
	}
	if s.receivesJobs() {
		t.Error("a connected session must not receive jobs")
	}

	s.Subscribe()
	if s.State() != StateSubscribed || !s.receivesJobs() {
		t.Errorf("after subscribe state = %v", s.State())
	}

	if prev, ok := s.Authorize("alice"); prev != "" || !ok {
		t.Errorf("Authorize() = %q, %v", prev, ok)
	}
	s.Subscribe()
	if s.State() != StateAuthorized {
		t.Errorf("subscribe must not demote an authorized session, state = %v", s.State())
	}

	s.Close()
	s.Close()
	if s.State() != StateClosed || s.receivesJobs() {
		t.Errorf("after close state = %v", s.State())
	}
	if _, ok := s.Authorize("bob"); ok {
		t.Error("a closed session must not authorize")
	}
	if err := s.Send(NewResult(1, true)); err == nil {
		t.Error("Send on a closed session should fail")
	}
	if s.State().String() != "closed" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
