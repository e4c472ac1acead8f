// Package poolclient implements the upstream (pool-facing) half of pool
// mode: a single TCP Stratum v1 connection that subscribes, authorizes,
// relays job/target/difficulty notifications down into the SessionManager,
// and forwards rewritten miner shares back up.
package poolclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

// State is the upstream connection's lifecycle stage.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned by ForwardShare when the upstream connection
// hasn't completed its handshake yet.
var ErrNotReady = errors.New("poolclient: upstream not ready")

// Config holds the upstream pool endpoint and credentials.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	DialTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns the standard 2s-to-60s doubling backoff.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

type pendingKind int

const (
	pendingSubscribe pendingKind = iota
	pendingAuthorize
	pendingShare
)

type pendingRequest struct {
	kind       pendingKind
	minerID    uint32
	minerReqID interface{}
}

// rpcMessage is a permissive decode target for any line the upstream sends:
// either a request/notification (Method set) or a response (Result/Error).
type rpcMessage struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Client is the upstream Stratum connection. One Client per proxy process
// in pool mode; it drives a *stratum.Server's cached job/target/difficulty
// state and relays forwarded share results back to the originating miner.
type Client struct {
	cfg Config
	srv *stratum.Server

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	state   int32 // State, accessed atomically
	pending map[uint64]pendingRequest

	nextID uint64 // allocated via atomic.AddUint64, starts at 100

	healthMu   sync.Mutex
	healthy    bool
	failCount  int
	lastReady  time.Time
	lastAttempt time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewClient builds a Client. srv receives job/target/difficulty updates and
// is used to relay forwarded-share responses back to miners.
func NewClient(cfg Config, srv *stratum.Server) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		srv:     srv,
		nextID:  99,
		healthy: false,
		quit:    make(chan struct{}),
	}
}

// Start begins the connect/reconnect loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears down the current connection and halts reconnect attempts.
func (c *Client) Stop() {
	close(c.quit)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// State returns the current connection lifecycle stage.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Healthy reports whether the most recent connection attempt succeeded.
func (c *Client) Healthy() bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.healthy
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Client) run() {
	defer c.wg.Done()
	backoff := c.cfg.BackoffInitial

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		c.healthMu.Lock()
		c.lastAttempt = time.Now()
		c.healthMu.Unlock()

		err := c.connectAndServe()
		c.setState(StateDisconnected)

		if err != nil {
			c.healthMu.Lock()
			wasHealthy := c.healthy
			c.healthy = false
			c.failCount++
			fails := c.failCount
			c.healthMu.Unlock()
			if wasHealthy || fails == 1 {
				util.Warnf("poolclient: disconnected: %v", err)
			} else if fails%30 == 0 {
				util.Warnf("poolclient: still disconnected after %d attempts: %v", fails, err)
			}
		} else {
			backoff = c.cfg.BackoffInitial
		}

		select {
		case <-c.quit:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) connectAndServe() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[uint64]pendingRequest)
	c.mu.Unlock()
	c.setState(StateConnecting)

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.sendSubscribe(); err != nil {
		return err
	}

	reader := bufio.NewReaderSize(conn, stratum.MaxLineSize+64)
	for {
		select {
		case <-c.quit:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			c.handleLine([]byte(trimmed))
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		util.Warnf("poolclient: malformed line from upstream: %v", err)
		return
	}
	if msg.Method != "" {
		c.handleNotification(msg)
		return
	}
	c.handleResponse(msg)
}

func (c *Client) allocID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

func (c *Client) storePending(id uint64, p pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = p
}

func (c *Client) takePending(id uint64) (pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Client) send(req stratum.Request) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return stratum.WriteMessage(conn, req)
}

func (c *Client) sendSubscribe() error {
	id := c.allocID()
	c.storePending(id, pendingRequest{kind: pendingSubscribe})
	return c.send(stratum.Request{ID: id, Method: "mining.subscribe", Params: []interface{}{"ckb-stratum-proxy/1.0"}})
}

func (c *Client) sendAuthorize() error {
	id := c.allocID()
	c.storePending(id, pendingRequest{kind: pendingAuthorize})
	return c.send(stratum.Request{ID: id, Method: "mining.authorize", Params: []interface{}{c.cfg.Username, c.cfg.Password}})
}

// ForwardShare submits a miner's share upstream with its extranonce2 already
// rewritten to carry the miner's partition byte. The eventual boolean result
// is relayed back to minerID/minerReqID via the Server this Client was built
// with. Returns ErrNotReady if the handshake hasn't completed.
func (c *Client) ForwardShare(minerID uint32, minerReqID interface{}, jobIDHex, upstreamExtraNonce2Hex, ntimeHex, nonceHex string) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	id := c.allocID()
	c.storePending(id, pendingRequest{kind: pendingShare, minerID: minerID, minerReqID: minerReqID})
	err := c.send(stratum.Request{
		ID:     id,
		Method: "mining.submit",
		Params: []interface{}{c.cfg.Username, jobIDHex, upstreamExtraNonce2Hex, ntimeHex, nonceHex},
	})
	if err != nil {
		c.takePending(id)
	}
	return err
}

func (c *Client) handleResponse(msg rpcMessage) {
	id, ok := decodeID(msg.ID)
	if !ok {
		util.Warnf("poolclient: response with unusable id %v", msg.ID)
		return
	}
	p, ok := c.takePending(id)
	if !ok {
		util.Debugf("poolclient: unmatched response id %d", id)
		return
	}

	switch p.kind {
	case pendingSubscribe:
		c.handleSubscribeResponse(msg)
	case pendingAuthorize:
		c.handleAuthorizeResponse(msg)
	case pendingShare:
		c.handleShareResponse(msg, p)
	}
}

func (c *Client) handleSubscribeResponse(msg rpcMessage) {
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		util.Warnf("poolclient: subscribe rejected: %s", msg.Error)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		return
	}

	var result []json.RawMessage
	if err := json.Unmarshal(msg.Result, &result); err != nil || len(result) < 2 {
		util.Warnf("poolclient: unparseable subscribe result: %s", msg.Result)
		return
	}

	// result is [subscriptions, extranonce1_hex, extranonce2_size]; the pool
	// assigns both, and every extranonce1 we hand downstream miners must be
	// prefixed with it for the upstream to route forwarded shares correctly.
	var extraNonce1 string
	if err := json.Unmarshal(result[1], &extraNonce1); err != nil {
		util.Warnf("poolclient: unparseable extranonce1 in subscribe result: %s", result[1])
		return
	}
	extraNonce2Size := 4
	if len(result) >= 3 {
		if err := json.Unmarshal(result[2], &extraNonce2Size); err != nil {
			util.Warnf("poolclient: unparseable extranonce2_size in subscribe result: %s", result[2])
			return
		}
	}
	c.srv.SetPoolExtraNonce(extraNonce1, extraNonce2Size)

	c.setState(StateSubscribed)
	util.Infof("poolclient: subscribed upstream, extranonce1=%s extranonce2_size=%d", extraNonce1, extraNonce2Size)
	if err := c.sendAuthorize(); err != nil {
		util.Warnf("poolclient: failed to send authorize: %v", err)
	}
}

func (c *Client) handleAuthorizeResponse(msg rpcMessage) {
	var ok bool
	_ = json.Unmarshal(msg.Result, &ok)
	if !ok {
		util.Warnf("poolclient: authorize rejected: %s", msg.Error)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		return
	}
	c.setState(StateReady)
	c.healthMu.Lock()
	c.healthy = true
	c.failCount = 0
	c.lastReady = time.Now()
	c.healthMu.Unlock()
	util.Infof("poolclient: ready, authorized as %s", c.cfg.Username)
}

func (c *Client) handleShareResponse(msg rpcMessage, p pendingRequest) {
	var result interface{}
	_ = json.Unmarshal(msg.Result, &result)
	var errObj interface{}
	if len(msg.Error) > 0 {
		_ = json.Unmarshal(msg.Error, &errObj)
	}
	c.srv.Respond(p.minerID, p.minerReqID, result, errObj)
}

func (c *Client) handleNotification(msg rpcMessage) {
	var params []interface{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			util.Warnf("poolclient: malformed params for %s: %v", msg.Method, err)
			return
		}
	}

	switch msg.Method {
	case "mining.notify":
		c.srv.SetCurrentJob(params)
	case "mining.set_target":
		if len(params) >= 1 {
			if target, ok := params[0].(string); ok {
				c.srv.SetCurrentTarget(target)
			}
		}
	case "mining.set_difficulty":
		if len(params) >= 1 {
			if diff, ok := params[0].(float64); ok {
				c.srv.SetCurrentDifficulty(diff)
			}
		}
	default:
		util.Debugf("poolclient: unhandled upstream notification %s", msg.Method)
	}
}

func decodeID(raw interface{}) (uint64, bool) {
	switch v := raw.(type) {
	case float64:
		return uint64(v), true
	case string:
		var n uint64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
