package stratum

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

// Mode selects the downstream subscribe-reply dialect and extranonce
// allocation scheme.
type Mode int

const (
	ModePool Mode = iota
	ModeSolo
)

// Config configures a Server's listener and per-miner defaults.
type Config struct {
	Mode Mode
	Host string
	Port int

	// Pool mode: the pool-assigned extranonce1 prefix and extranonce2 size
	// (from the upstream's mining.subscribe reply).
	PoolExtraNonce1Prefix string
	PoolExtraNonce2Size   int

	// Solo mode: each miner's ExtraNonce2Size (no pool prefix to partition,
	// since there's no upstream to forward shares to). The solo subscribe
	// reply always advertises an extranonce2 size of 4.
	SoloExtraNonce2Size int

	Vardiff VardiffConfig
	Guard   GuardConfig
}

// ShareHandler processes a submitted share after the Server has parsed the
// five-tuple and ticked vardiff bookkeeping. Implementations decide the
// mode-specific outcome (pool: forward upstream; solo: validate locally)
// and must eventually call Server.Respond with the result. HandleShare
// itself must not block the miner's read loop.
type ShareHandler interface {
	HandleShare(srv *Server, m *Miner, reqID interface{}, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex string)
}

// Server is the downstream Stratum listener: SessionManager in spec terms.
type Server struct {
	cfg     Config
	guard   *Guard
	handler ShareHandler

	listener net.Listener
	nextID   uint32

	miners sync.Map // uint32 -> *Miner

	currentJobParams  atomic.Value // []interface{}
	currentTargetHex  atomic.Value // string
	currentDifficulty atomic.Value // float64
	poolExtraNonce    atomic.Value // poolExtraNonceConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// poolExtraNonceConfig is the pool-mode extranonce1 prefix/extranonce2 size
// pair, mutable after construction via SetPoolExtraNonce once the upstream's
// mining.subscribe reply arrives.
type poolExtraNonceConfig struct {
	prefix          string
	extraNonce2Size int
}

// NewServer builds a Server. handler is invoked for every mining.submit.
func NewServer(cfg Config, handler ShareHandler) *Server {
	s := &Server{
		cfg:     cfg,
		guard:   NewGuard(cfg.Guard),
		handler: handler,
		quit:    make(chan struct{}),
	}
	s.poolExtraNonce.Store(poolExtraNonceConfig{prefix: cfg.PoolExtraNonce1Prefix, extraNonce2Size: cfg.PoolExtraNonce2Size})
	return s
}

// SetHandler assigns the ShareHandler, for callers that must construct a
// Server before its handler exists (the handler itself often needs a
// reference to this Server). Must be called before Start.
func (s *Server) SetHandler(handler ShareHandler) {
	s.handler = handler
}

// SetPoolExtraNonce records the extranonce1 prefix and extranonce2 size the
// upstream pool actually assigned in its mining.subscribe reply, replacing
// whatever PoolExtraNonce1Prefix/PoolExtraNonce2Size Config was built with.
// Pool mode only; safe to call concurrently with connection handling. The
// prefix applies to miners that subscribe afterward; the extranonce2 size
// applies to miners that connect afterward.
func (s *Server) SetPoolExtraNonce(prefix string, extraNonce2Size int) {
	s.poolExtraNonce.Store(poolExtraNonceConfig{prefix: prefix, extraNonce2Size: extraNonce2Size})
}

// Start opens the TCP listener and begins accepting miners. A bind failure
// (e.g. EADDRINUSE) is fatal at startup and is returned verbatim for the
// caller to treat as such.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stratum: bind %s: %w", addr, err)
	}
	s.listener = listener
	util.Infof("stratum: listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open miner connection.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.miners.Range(func(_, v interface{}) bool {
		v.(*Miner).conn.Close()
		return true
	})
	s.wg.Wait()
}

// ListenAddr returns the listener's actual address, useful when Config.Port
// is 0 and the kernel assigned an ephemeral port.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// MinerCount returns the number of currently connected miners.
func (s *Server) MinerCount() int {
	n := 0
	s.miners.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// AuthorizedCount returns the number of miners past mining.authorize.
func (s *Server) AuthorizedCount() int {
	n := 0
	s.miners.Range(func(_, v interface{}) bool {
		if v.(*Miner).Authorized {
			n++
		}
		return true
	})
	return n
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("stratum: accept error: %v", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.guard.IsShunned(ip) || !s.guard.AllowConnection(ip) {
			conn.Close()
			continue
		}

		miner := s.newMiner(conn)
		s.miners.Store(miner.ID, miner)

		s.wg.Add(1)
		go s.handleMiner(miner)
	}
}

func (s *Server) newMiner(conn net.Conn) *Miner {
	id := atomic.AddUint32(&s.nextID, 1)
	extraNonce2Size := s.cfg.SoloExtraNonce2Size
	if s.cfg.Mode == ModePool {
		extraNonce2Size = s.poolExtraNonce.Load().(poolExtraNonceConfig).extraNonce2Size - 1
	}
	if extraNonce2Size < 1 {
		extraNonce2Size = 1
	}
	return &Miner{
		ID:              id,
		ExtraNonce2Size: extraNonce2Size,
		Vardiff:         NewVardiffState(s.cfg.Vardiff),
		ConnectedAt:     time.Now(),
		RemoteIP:        extractIP(conn.RemoteAddr().String()),
		conn:            conn,
		reader:          bufio.NewReaderSize(conn, MaxLineSize+64),
	}
}

func (s *Server) handleMiner(m *Miner) {
	defer s.wg.Done()
	defer func() {
		m.conn.Close()
		s.miners.Delete(m.ID)
	}()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		m.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		req, err := ReadRequest(m.reader)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				util.Debugf("stratum: miner %d: %v", m.ID, pe)
				if !s.guard.RecordMalformed(m.RemoteIP) {
					return
				}
				continue
			}
			return
		}

		s.handleRequest(m, req)
	}
}

func (s *Server) handleRequest(m *Miner, req *Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(m, req)
	case "mining.authorize":
		s.handleAuthorize(m, req)
	case "mining.submit":
		s.handleSubmit(m, req)
	case "mining.get_transactions":
		s.Respond(m.ID, req.ID, []interface{}{}, nil)
	case "mining.extranonce.subscribe", "mining.suggest_difficulty", "mining.suggest_target":
		s.Respond(m.ID, req.ID, true, nil)
	default:
		s.Respond(m.ID, req.ID, nil, []interface{}{-32601, "Method not found", nil})
	}
}

func (s *Server) handleSubscribe(m *Miner, req *Request) {
	if s.cfg.Mode == ModePool {
		en1 := s.poolExtraNonce.Load().(poolExtraNonceConfig).prefix + fmt.Sprintf("%02x", m.ExtraNonce1Suffix())
		s.Respond(m.ID, req.ID, []interface{}{nil, en1, m.ExtraNonce2Size}, nil)
		return
	}

	sessionID := ""
	if len(req.Params) > 1 {
		if v, ok := req.Params[1].(string); ok && v != "" {
			sessionID = v
		}
	}
	if sessionID == "" {
		sessionID = randomHex8()
	}
	m.SessionID = sessionID

	result := []interface{}{
		[][]interface{}{
			{"mining.set_difficulty", sessionID},
			{"mining.notify", sessionID},
		},
		sessionID,
		4,
	}
	s.Respond(m.ID, req.ID, result, nil)
}

func (s *Server) handleAuthorize(m *Miner, req *Request) {
	if len(req.Params) < 1 {
		s.Respond(m.ID, req.ID, nil, []interface{}{-1, "Invalid params", nil})
		return
	}
	worker, _ := req.Params[0].(string)
	m.Worker = worker
	m.Authorized = true
	s.Respond(m.ID, req.ID, true, nil)

	if diff, ok := s.currentDifficulty.Load().(float64); ok {
		m.write(Notify{Method: "mining.set_difficulty", Params: []interface{}{diff}})
	}
	if target, ok := s.currentTargetHex.Load().(string); ok {
		m.write(Notify{Method: "mining.set_target", Params: []interface{}{target}})
	}
	if params, ok := s.currentJobParams.Load().([]interface{}); ok {
		m.write(Notify{Method: "mining.notify", Params: params})
	}
}

func (s *Server) handleSubmit(m *Miner, req *Request) {
	if !m.Authorized {
		s.Respond(m.ID, req.ID, nil, []interface{}{24, "Unauthorized", nil})
		return
	}
	if len(req.Params) < 5 {
		s.Respond(m.ID, req.ID, nil, []interface{}{20, "Invalid params", nil})
		return
	}
	jobID, _ := req.Params[1].(string)
	en2, _ := req.Params[2].(string)
	ntime, _ := req.Params[3].(string)
	nonce, _ := req.Params[4].(string)

	m.incSubmitted()
	if diff, changed := m.Vardiff.OnShareAccepted(time.Now()); changed {
		s.NotifyMiner(m.ID, "mining.set_difficulty", []interface{}{diff})
	}

	s.handler.HandleShare(s, m, req.ID, jobID, en2, ntime, nonce)
}

// Respond writes a JSON-RPC response to the miner identified by minerID, if
// still connected. result/errObj follow the same semantics as Response.
func (s *Server) Respond(minerID uint32, reqID interface{}, result interface{}, errObj interface{}) {
	v, ok := s.miners.Load(minerID)
	if !ok {
		return
	}
	v.(*Miner).write(Response{ID: reqID, Result: result, Error: errObj})
}

// RespondLowDifficulty sends the standard "low difficulty share" rejection.
func (s *Server) RespondLowDifficulty(minerID uint32, reqID interface{}) {
	s.Respond(minerID, reqID, false, []interface{}{23, "Low difficulty share", nil})
}

// Range calls fn for every currently connected miner, stopping early if fn
// returns false. Safe for concurrent use with accepts/disconnects.
func (s *Server) Range(fn func(*Miner) bool) {
	s.miners.Range(func(_, v interface{}) bool {
		return fn(v.(*Miner))
	})
}

// Miner looks up a connected miner by id.
func (s *Server) Miner(id uint32) (*Miner, bool) {
	v, ok := s.miners.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Miner), true
}

// CurrentJobParams returns the most recently cached mining.notify
// parameters, if any have been set yet.
func (s *Server) CurrentJobParams() ([]interface{}, bool) {
	v, ok := s.currentJobParams.Load().([]interface{})
	return v, ok
}

// SetCurrentJob updates the cached mining.notify parameters replayed to
// newly authorized miners, and broadcasts it to every already-authorized one.
func (s *Server) SetCurrentJob(params []interface{}) {
	s.currentJobParams.Store(params)
	s.broadcastAuthorized(Notify{Method: "mining.notify", Params: params})
}

// SetCurrentTarget updates and broadcasts mining.set_target.
func (s *Server) SetCurrentTarget(targetHexLE string) {
	s.currentTargetHex.Store(targetHexLE)
	s.broadcastAuthorized(Notify{Method: "mining.set_target", Params: []interface{}{targetHexLE}})
}

// SetCurrentDifficulty updates and broadcasts mining.set_difficulty.
func (s *Server) SetCurrentDifficulty(diff float64) {
	s.currentDifficulty.Store(diff)
	s.broadcastAuthorized(Notify{Method: "mining.set_difficulty", Params: []interface{}{diff}})
}

// NotifyMiner pushes a single notification to one miner (e.g. a per-miner
// vardiff retarget), independent of the process-wide broadcast state.
func (s *Server) NotifyMiner(minerID uint32, method string, params []interface{}) {
	v, ok := s.miners.Load(minerID)
	if !ok {
		return
	}
	v.(*Miner).write(Notify{Method: method, Params: params})
}

func (s *Server) broadcastAuthorized(msg Notify) {
	s.miners.Range(func(_, v interface{}) bool {
		m := v.(*Miner)
		if m.Authorized {
			m.write(msg)
		}
		return true
	})
}

func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}

func randomHex8() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
