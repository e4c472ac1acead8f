package core

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/node"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/poolclient"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
)

// --- shared test scaffolding -------------------------------------------------

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	parts := strings.Split(addr, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		t.Fatalf("parse port %q: %v", addr, err)
	}
	return parts[0], port
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readResp(t *testing.T, r *bufio.Reader) stratum.Response {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp stratum.Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return resp
}

// fakeNodeRPC serves get_block_template/submit_block with a caller-supplied
// compact_target, so local/network target comparisons are deterministic
// without depending on Eaglesong's exact output.
func fakeNodeRPC(t *testing.T, compactTarget string, submissions *int32) *httptest.Server {
	t.Helper()
	zero := "0x" + strings.Repeat("00", 32)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     uint64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		var result interface{}
		switch req.Method {
		case "get_block_template":
			result = json.RawMessage(`{
				"work_id": "w1",
				"parent_hash": "` + zero + `",
				"number": "0x64",
				"epoch": "0x0",
				"compact_target": "` + compactTarget + `",
				"current_time": "0x1",
				"transactions_root": "` + zero + `",
				"proposals_hash": "` + zero + `",
				"uncles_hash": "` + zero + `",
				"dao": "` + zero + `",
				"version": "0x0",
				"uncles": [], "transactions": [], "proposals": []
			}`)
		case "submit_block":
			atomic.AddInt32(submissions, 1)
			result = "0x" + strings.Repeat("ab", 32)
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
		data, _ := json.Marshal(resp)
		w.Write(data)
	}))
}

func newReadyNodeClient(t *testing.T, compactTarget string, submissions *int32, srv *stratum.Server) *node.Client {
	t.Helper()
	ts := fakeNodeRPC(t, compactTarget, submissions)
	t.Cleanup(ts.Close)
	host, port := splitHostPort(t, strings.TrimPrefix(ts.URL, "http://"))
	cfg := node.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.PollInterval = 10 * time.Millisecond
	c := node.NewClient(cfg, srv)
	c.Start()
	t.Cleanup(c.Stop)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.CurrentTemplate(); ok {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node client never produced a template")
	return nil
}

// --- solo mode ---------------------------------------------------------------

func TestSoloStaleJobAcksWithoutValidation(t *testing.T) {
	srv := stratum.NewServer(stratum.Config{Mode: stratum.ModeSolo, SoloExtraNonce2Size: 4, Vardiff: stratum.DefaultVardiffConfig(), Guard: stratum.DefaultGuardConfig()}, nil)
	var submissions int32
	nc := newReadyNodeClient(t, "0x03010000", &submissions, srv)
	proxy := NewSoloProxy(srv, nc)

	addr, started := startSoloServerWithProxy(t, proxy)
	defer started.Stop()

	conn, r := dial(t, addr)
	defer conn.Close()
	send(t, conn, stratum.Request{ID: float64(1), Method: "mining.subscribe", Params: []interface{}{}})
	readResp(t, r)
	send(t, conn, stratum.Request{ID: float64(2), Method: "mining.authorize", Params: []interface{}{"w.1", "x"}})
	readResp(t, r)

	send(t, conn, stratum.Request{ID: float64(3), Method: "mining.submit", Params: []interface{}{"w.1", "ffffffff", "00000000", "deadbeef", "0000000000000000"}})
	resp := readResp(t, r)
	if v, ok := resp.Result.(bool); !ok || !v {
		t.Fatalf("stale job share must ACK true, got %#v", resp.Result)
	}
}

func TestSoloLowDifficultyShareRejected(t *testing.T) {
	srv := stratum.NewServer(stratum.Config{Mode: stratum.ModeSolo, SoloExtraNonce2Size: 4, Vardiff: stratum.DefaultVardiffConfig(), Guard: stratum.DefaultGuardConfig()}, nil)
	var submissions int32
	// Network target tiny too, but what matters here is the miner's own
	// (vardiff-scaled) target, forced tiny by a huge post-authorize diff.
	nc := newReadyNodeClient(t, "0x03010000", &submissions, srv)
	proxy := NewSoloProxy(srv, nc)

	addr, started := startSoloServerWithProxy(t, proxy)
	defer started.Stop()

	conn, r := dial(t, addr)
	defer conn.Close()
	send(t, conn, stratum.Request{ID: float64(1), Method: "mining.subscribe", Params: []interface{}{}})
	readResp(t, r)
	send(t, conn, stratum.Request{ID: float64(2), Method: "mining.authorize", Params: []interface{}{"w.1", "x"}})
	readResp(t, r)

	m, ok := started.Miner(1)
	if !ok {
		t.Fatal("miner not registered")
	}
	// A huge difficulty shrinks the miner's local target far below any
	// realistic hash, guaranteeing the "low difficulty" rejection path.
	m.Vardiff = stratum.NewVardiffState(stratum.VardiffConfig{
		MinDiff: 0.001, MaxDiff: 1e9, InitialDiff: 1e9,
	})

	send(t, conn, stratum.Request{ID: float64(3), Method: "mining.submit", Params: []interface{}{"w.1", "00000000", "00000000", "deadbeef", "0000000000000000"}})
	resp := readResp(t, r)
	if v, ok := resp.Result.(bool); ok && v {
		t.Fatalf("expected a rejection, got accepted: %#v", resp.Result)
	}
}

func TestSoloShareMeetingNetworkTargetTriggersSubmitBlock(t *testing.T) {
	srv := stratum.NewServer(stratum.Config{Mode: stratum.ModeSolo, SoloExtraNonce2Size: 4, Vardiff: stratum.DefaultVardiffConfig(), Guard: stratum.DefaultGuardConfig()}, nil)
	var submissions int32
	// exp=0x20, man=0xffffff: target = 0xffffff << 232, i.e. 2^256 - 2^232 —
	// within 1/2^24 of the maximum 256-bit target, so any realistic hash meets it.
	nc := newReadyNodeClient(t, "0x20ffffff", &submissions, srv)
	proxy := NewSoloProxy(srv, nc)

	addr, started := startSoloServerWithProxy(t, proxy)
	defer started.Stop()

	conn, r := dial(t, addr)
	defer conn.Close()
	send(t, conn, stratum.Request{ID: float64(1), Method: "mining.subscribe", Params: []interface{}{}})
	readResp(t, r)
	send(t, conn, stratum.Request{ID: float64(2), Method: "mining.authorize", Params: []interface{}{"w.1", "x"}})
	readResp(t, r)

	send(t, conn, stratum.Request{ID: float64(3), Method: "mining.submit", Params: []interface{}{"w.1", "00000000", "00000000", "deadbeef", "0000000000000000"}})
	resp := readResp(t, r)
	if v, ok := resp.Result.(bool); !ok || !v {
		t.Fatalf("expected acceptance against a maximal target, got %#v", resp.Result)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&submissions) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected submit_block to have been called")
}

// --- pool mode -----------------------------------------------------------

func TestPoolShareForwardErrorRepliesInvalidParams(t *testing.T) {
	srv := stratum.NewServer(stratum.Config{Mode: stratum.ModePool, PoolExtraNonce1Prefix: "ab", PoolExtraNonce2Size: 5, Vardiff: stratum.DefaultVardiffConfig(), Guard: stratum.DefaultGuardConfig()}, nil)
	poolCfg := poolclient.DefaultConfig()
	poolCfg.Host = "127.0.0.1"
	poolCfg.Port = 1 // nothing listening; ForwardShare will hit ErrNotReady
	pc := poolclient.NewClient(poolCfg, srv)
	proxy := NewPoolProxy(srv, pc)

	cfg := stratum.Config{Mode: stratum.ModePool, PoolExtraNonce1Prefix: "ab", PoolExtraNonce2Size: 5, Vardiff: stratum.DefaultVardiffConfig(), Guard: stratum.DefaultGuardConfig()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	host, port := splitHostPort(t, addr)
	cfg.Host = host
	cfg.Port = port
	srv2 := stratum.NewServer(cfg, proxy)
	if err := srv2.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv2.Stop()

	conn, r := dial(t, addr)
	defer conn.Close()
	send(t, conn, stratum.Request{ID: float64(1), Method: "mining.subscribe", Params: []interface{}{}})
	readResp(t, r)
	send(t, conn, stratum.Request{ID: float64(2), Method: "mining.authorize", Params: []interface{}{"w.1", "x"}})
	readResp(t, r)

	send(t, conn, stratum.Request{ID: float64(3), Method: "mining.submit", Params: []interface{}{"w.1", "job1", "aa", "deadbeef", "00000000"}})
	resp := readResp(t, r)
	if resp.Error == nil {
		t.Fatal("expected an error reply when the upstream isn't ready")
	}
}

func startSoloServerWithProxy(t *testing.T, proxy *Proxy) (string, *stratum.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	host, port := splitHostPort(t, addr)

	cfg := stratum.Config{
		Mode:                stratum.ModeSolo,
		Host:                host,
		Port:                port,
		SoloExtraNonce2Size: 4,
		Vardiff:             stratum.DefaultVardiffConfig(),
		Guard:               stratum.DefaultGuardConfig(),
	}
	srv := stratum.NewServer(cfg, proxy)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return addr, srv
}
