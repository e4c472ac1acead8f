// Package node implements the solo-mode half of the proxy: an HTTP
// JSON-RPC 2.0 client against a local CKB full node, polling for new block
// templates and submitting solved blocks.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/header"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

// Config configures the node RPC endpoint and polling cadence.
type Config struct {
	Host string
	Port int

	// Coinbase is the miner address/lock used by get_block_template, if the
	// node requires one. Empty is valid for nodes that mine to a default.
	Coinbase string

	PollInterval       time.Duration
	RequestTimeout     time.Duration
	WatchdogInterval   time.Duration
	WatchdogStaleAfter time.Duration
}

// DefaultConfig returns the standard 2s poll / 8s deadline / 60s watchdog.
func DefaultConfig() Config {
	return Config{
		PollInterval:       2 * time.Second,
		RequestTimeout:     8 * time.Second,
		WatchdogInterval:   60 * time.Second,
		WatchdogStaleAfter: 300 * time.Second,
	}
}

// Template is the processed form of a get_block_template result: the packed
// header, derived pow_hash/target, and the job id this proxy assigned it.
type Template struct {
	WorkID        string
	ParentHash    string
	Header        header.RawHeader
	PowHash       [32]byte
	TargetLE      util.Target
	CompactTarget uint32
	JobID         uint32
	FetchedAt     time.Time
}

// Client polls a CKB node for block templates and submits solved blocks.
type Client struct {
	cfg Config
	srv *stratum.Server

	httpClient *http.Client
	requestID  uint64

	mu        sync.Mutex
	current   *Template
	rawUncles json.RawMessage
	rawTxs    json.RawMessage
	rawProps  json.RawMessage

	healthMu  sync.Mutex
	healthy   bool
	failCount int
	lastFetch time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewClient builds a Client. srv receives mining.notify broadcasts whenever
// a newly polled template differs from the last one accepted.
func NewClient(cfg Config, srv *stratum.Server) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 8 * time.Second
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = 60 * time.Second
	}
	if cfg.WatchdogStaleAfter == 0 {
		cfg.WatchdogStaleAfter = 300 * time.Second
	}
	return &Client{
		cfg:        cfg,
		srv:        srv,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		healthy:    true,
		quit:       make(chan struct{}),
	}
}

// Start begins the poll and watchdog loops in the background.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.pollLoop()
	go c.watchdogLoop()
}

// Stop halts both loops and waits for them to exit.
func (c *Client) Stop() {
	close(c.quit)
	c.wg.Wait()
}

// Healthy reports the node's current reachability.
func (c *Client) Healthy() bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.healthy
}

// CurrentTemplate returns a copy of the last accepted template, if any.
func (c *Client) CurrentTemplate() (Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Template{}, false
	}
	return *c.current, true
}

func (c *Client) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.poll()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Client) watchdogLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.healthMu.Lock()
			last := c.lastFetch
			c.healthMu.Unlock()
			if !last.IsZero() && time.Since(last) > c.cfg.WatchdogStaleAfter {
				util.Warnf("node: no successful template fetch in %v (last at %v)", time.Since(last), last)
			}
		}
	}
}

// TriggerPoll fetches a template immediately instead of waiting for the
// next tick, used after a successful block submission to pick up the new
// chain tip without a poll-interval delay.
func (c *Client) TriggerPoll() {
	c.poll()
}

func (c *Client) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	raw, err := c.fetchTemplate(ctx)
	if err != nil {
		c.recordFailure(err)
		return
	}
	c.recordSuccess()

	changed, jobParams, err := c.applyTemplate(raw)
	if err != nil {
		util.Warnf("node: rejecting malformed template: %v", err)
		return
	}
	if changed {
		c.srv.SetCurrentJob(jobParams)
	}
}

type rawTemplate struct {
	WorkID           string          `json:"work_id"`
	ParentHash       string          `json:"parent_hash"`
	Number           hexUint64       `json:"number"`
	Epoch            hexUint64       `json:"epoch"`
	CompactTarget    hexUint32       `json:"compact_target"`
	CurrentTime      hexUint64       `json:"current_time"`
	TransactionsRoot string          `json:"transactions_root"`
	ProposalsHash    string          `json:"proposals_hash"`
	UnclesHash       string          `json:"uncles_hash"`
	Dao              string          `json:"dao"`
	Version          hexUint32       `json:"version"`
	Uncles           json.RawMessage `json:"uncles"`
	Transactions     json.RawMessage `json:"transactions"`
	Proposals        json.RawMessage `json:"proposals"`
}

func (c *Client) fetchTemplate(ctx context.Context) (*rawTemplate, error) {
	params := []interface{}{nil, nil, nil}
	result, err := c.call(ctx, "get_block_template", params)
	if err != nil {
		return nil, err
	}
	var raw rawTemplate
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("parse get_block_template result: %w", err)
	}
	return &raw, nil
}

// applyTemplate decides whether raw describes a new template (work_id or
// parent_hash changed) and, if so, packs the header and advances job_id.
// A template with the same work_id and parent_hash as the cached one is
// ignored: the cached header, timestamp included, is left unchanged and no
// change is reported (no job broadcast).
func (c *Client) applyTemplate(raw *rawTemplate) (bool, []interface{}, error) {
	parentHashBytes, err := fixed32(raw.ParentHash)
	if err != nil {
		return false, nil, fmt.Errorf("parent_hash: %w", err)
	}
	txRootBytes, err := fixed32(raw.TransactionsRoot)
	if err != nil {
		return false, nil, fmt.Errorf("transactions_root: %w", err)
	}
	proposalsHashBytes, err := fixed32(raw.ProposalsHash)
	if err != nil {
		return false, nil, fmt.Errorf("proposals_hash: %w", err)
	}
	unclesHashBytes, err := fixed32(raw.UnclesHash)
	if err != nil {
		return false, nil, fmt.Errorf("uncles_hash: %w", err)
	}
	daoBytes, err := fixed32(raw.Dao)
	if err != nil {
		return false, nil, fmt.Errorf("dao: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A current_time-only refresh of the same work must NOT be applied to the
	// cached header: PowHash was computed from the header's original
	// timestamp, and miners are already mining against the job_id built from
	// it. Bumping Timestamp without recomputing PowHash (and issuing a new
	// job_id) would desync the cached pow_hash from what submit_block later
	// serializes.
	sameWork := c.current != nil && c.current.WorkID == raw.WorkID && c.current.ParentHash == raw.ParentHash
	if sameWork {
		return false, nil, nil
	}

	rh := header.RawHeader{
		Version:          uint32(raw.Version),
		CompactTarget:    uint32(raw.CompactTarget),
		Timestamp:        uint64(raw.CurrentTime),
		Number:           uint64(raw.Number),
		Epoch:            uint64(raw.Epoch),
		ParentHash:       parentHashBytes,
		TransactionsRoot: txRootBytes,
		ProposalsHash:    proposalsHashBytes,
		// The reference daemon does not surface a separate extension hash;
		// uncles_hash stands in for extra_hash in the packed header, since
		// this template format carries no extension data.
		ExtraHash: unclesHashBytes,
		Dao:       daoBytes,
	}
	powHash := rh.ComputePowHash()
	targetLE := util.CompactToTargetLE(uint32(raw.CompactTarget))

	jobID := uint32(0)
	if c.current != nil {
		jobID = c.current.JobID + 1
	}

	c.current = &Template{
		WorkID:        raw.WorkID,
		ParentHash:    raw.ParentHash,
		Header:        rh,
		PowHash:       powHash,
		TargetLE:      targetLE,
		CompactTarget: uint32(raw.CompactTarget),
		JobID:         jobID,
		FetchedAt:     time.Now(),
	}
	c.rawUncles = raw.Uncles
	c.rawTxs = raw.Transactions
	c.rawProps = raw.Proposals

	jobParams := []interface{}{
		fmt.Sprintf("%08x", jobID),
		util.BytesToHexNoPre(powHash[:]),
		int64(rh.Number),
		targetLE.Hex(),
		true,
	}
	return true, jobParams, nil
}

// SubmitBlock posts a solved block: the current template's header fields
// plus the winning 16-byte little-endian nonce, and the template's
// uncles/transactions/proposals verbatim.
func (c *Client) SubmitBlock(ctx context.Context, nonceLE [16]byte) (bool, error) {
	c.mu.Lock()
	tmpl := c.current
	uncles, txs, props := c.rawUncles, c.rawTxs, c.rawProps
	c.mu.Unlock()
	if tmpl == nil {
		return false, fmt.Errorf("node: no template to submit against")
	}

	blockHeader := map[string]interface{}{
		"version":            util.Uint64ToHex(uint64(tmpl.Header.Version)),
		"compact_target":     util.Uint64ToHex(uint64(tmpl.Header.CompactTarget)),
		"timestamp":          util.Uint64ToHex(tmpl.Header.Timestamp),
		"number":             util.Uint64ToHex(tmpl.Header.Number),
		"epoch":              util.Uint64ToHex(tmpl.Header.Epoch),
		"parent_hash":        util.BytesToHex(tmpl.Header.ParentHash[:]),
		"transactions_root":  util.BytesToHex(tmpl.Header.TransactionsRoot[:]),
		"proposals_hash":     util.BytesToHex(tmpl.Header.ProposalsHash[:]),
		"uncles_hash":        util.BytesToHex(tmpl.Header.ExtraHash[:]),
		"dao":                util.BytesToHex(tmpl.Header.Dao[:]),
		"nonce":              "0x" + util.BytesToHexNoPre(nonceLE[:]),
	}
	block := map[string]interface{}{
		"header":       blockHeader,
		"uncles":       rawOrEmpty(uncles),
		"transactions": rawOrEmpty(txs),
		"proposals":    rawOrEmpty(props),
	}

	result, err := c.call(ctx, "submit_block", []interface{}{tmpl.WorkID, block})
	if err != nil {
		return false, err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return false, fmt.Errorf("parse submit_block result: %w", err)
	}
	return hash != "", nil
}

func rawOrEmpty(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return []interface{}{}
	}
	return raw
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d/", c.cfg.Host, c.cfg.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *Client) recordSuccess() {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.lastFetch = time.Now()
	c.failCount = 0
	if !c.healthy {
		c.healthy = true
		util.Infof("node: recovered, healthy again")
	}
}

func (c *Client) recordFailure(err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.failCount++
	if c.healthy {
		c.healthy = false
		util.Warnf("node: get_block_template failed, marking unhealthy: %v", err)
	} else if c.failCount%30 == 0 {
		util.Warnf("node: still unhealthy after %d attempts: %v", c.failCount, err)
	}
}

// fixed32 decodes a hex string into exactly 32 bytes.
func fixed32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := util.HexToBytes(hexStr)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// hexUint64/hexUint32 decode CKB's "0x"-prefixed hex-string RPC integers.

type hexUint64 uint64

func (h *hexUint64) UnmarshalJSON(b []byte) error {
	v, err := decodeHexQuantity(b)
	if err != nil {
		return err
	}
	*h = hexUint64(v)
	return nil
}

type hexUint32 uint32

func (h *hexUint32) UnmarshalJSON(b []byte) error {
	v, err := decodeHexQuantity(b)
	if err != nil {
		return err
	}
	*h = hexUint32(v)
	return nil
}

func decodeHexQuantity(b []byte) (uint64, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimPrefix(s, "0x")
		if s == "" {
			return 0, nil
		}
		return strconv.ParseUint(s, 16, 64)
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, fmt.Errorf("not a hex string or number: %s", b)
	}
	return n, nil
}
