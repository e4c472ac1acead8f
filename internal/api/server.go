// Package api provides StatsProjection: a read-only snapshot of the proxy's
// state exposed over HTTP polling and a websocket live feed.
package api

import (
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/apm"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/config"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/node"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/poolclient"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP stats server: GET /health, GET /, and the GET /ws
// live feed, all reading from SessionManager/upstream state without
// owning any of it.
type Server struct {
	cfg  *config.Config
	srv  *stratum.Server
	pool *poolclient.Client // pool mode only
	node *node.Client       // solo mode only
	apm  *apm.Agent

	startTime time.Time

	router     *gin.Engine
	httpServer *http.Server

	wsClients  sync.Map // uint64 -> *wsClient
	wsClientID uint64
	lastJobKey atomic.Value // string, last broadcast job identity

	quit chan struct{}
	wg   sync.WaitGroup
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer builds a Server for the given mode's wiring. pool is non-nil in
// pool mode, node is non-nil in solo mode; the other is nil.
func NewServer(cfg *config.Config, srv *stratum.Server, pool *poolclient.Client, nodeClient *node.Client, agent *apm.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		srv:       srv,
		pool:      pool,
		node:      nodeClient,
		apm:       agent,
		startTime: time.Now(),
		router:    router,
		quit:      make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	if s.apm != nil {
		s.router.Use(s.apmMiddleware())
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/", s.handleSnapshot)
	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) apmMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.apm.IsEnabled() {
			c.Next()
			return
		}
		txn := s.apm.StartTransaction(c.FullPath())
		defer txn.End()
		c.Request = c.Request.WithContext(s.apm.NewContext(c.Request.Context(), txn))
		c.Next()
	}
}

// Start begins serving on cfg.Local.Host:cfg.Local.StatsPort, and begins the
// background broadcaster that pushes a fresh snapshot to every websocket
// client whenever the current job changes.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Local.Host, strconv.Itoa(s.cfg.Local.StatsPort))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	util.Infof("api: stats server listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.broadcastLoop()

	return nil
}

// Stop shuts down the HTTP server and closes every websocket client.
func (s *Server) Stop() error {
	close(s.quit)
	s.wsClients.Range(func(_, v interface{}) bool {
		v.(*wsClient).conn.Close()
		return true
	})
	s.wg.Wait()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// handleHealth reports liveness plus the one thing a load balancer cares
// about before routing miner traffic here: whether this instance actually
// has work to hand out.
func (s *Server) handleHealth(c *gin.Context) {
	ready := false
	if s.pool != nil {
		ready = s.pool.State() == poolclient.StateReady
	} else if s.node != nil {
		_, ready = s.node.CurrentTemplate()
	}

	c.JSON(200, gin.H{
		"ok":     true,
		"miners": s.srv.MinerCount(),
		"ready":  ready,
	})
}

// handleSnapshot returns the full read-only projection.
func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(200, s.buildSnapshot())
}

// handleWebSocket upgrades to a websocket connection, sends the current
// snapshot immediately, then streams a fresh one on every job broadcast
// until the client disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("api: websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	id := atomic.AddUint64(&s.wsClientID, 1)
	s.wsClients.Store(id, client)

	defer func() {
		s.wsClients.Delete(id)
		conn.Close()
	}()

	client.send(s.buildSnapshot())

	// Drain and discard any client messages; this feed is one-directional.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.WriteJSON(v)
}

// broadcastLoop polls the cached job params for a change and pushes a fresh
// snapshot to every websocket client when one is observed. SessionManager
// doesn't expose a job-change channel, so polling at a cadence finer than
// any realistic template/notify interval stands in for a push hook.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			key := s.jobKey()
			prev, _ := s.lastJobKey.Load().(string)
			if key == prev {
				continue
			}
			s.lastJobKey.Store(key)

			snapshot := s.buildSnapshot()
			s.wsClients.Range(func(_, v interface{}) bool {
				v.(*wsClient).send(snapshot)
				return true
			})
		}
	}
}

func (s *Server) jobKey() string {
	params, ok := s.srv.CurrentJobParams()
	if !ok || len(params) == 0 {
		return ""
	}
	if jobID, ok := params[0].(string); ok {
		return jobID
	}
	return ""
}

// Snapshot is the GET / and GET /ws payload: the full read-only projection
// of proxy state, independent of transport.
type Snapshot struct {
	Mode     string          `json:"mode"`
	UptimeS  float64         `json:"uptimeSeconds"`
	Miners   []MinerSnapshot `json:"miners"`
	Job      *JobSnapshot    `json:"job,omitempty"`
	Node     *NodeSnapshot   `json:"node,omitempty"`
	Upstream *PoolSnapshot   `json:"upstream,omitempty"`
	Now      int64           `json:"now"`
}

// MinerSnapshot is one connected miner's public state.
type MinerSnapshot struct {
	ID          uint32           `json:"id"`
	Worker      string           `json:"worker"`
	Authorized  bool             `json:"authorized"`
	RemoteIP    string           `json:"remoteIp"`
	ConnectedAt time.Time        `json:"connectedAt"`
	Difficulty  float64          `json:"difficulty"`
	Counters    stratum.Counters `json:"counters"`
	HashrateHz  float64          `json:"hashrate"`
}

// JobSnapshot is the current mining.notify job, in solo mode only.
type JobSnapshot struct {
	JobID string `json:"jobId"`
}

// NodeSnapshot reflects the solo-mode upstream node's state.
type NodeSnapshot struct {
	Healthy       bool   `json:"healthy"`
	WorkID        string `json:"workId"`
	Height        uint64 `json:"height"`
	CompactTarget uint32 `json:"compactTarget"`
	PowHash       string `json:"powHash"`
}

// PoolSnapshot reflects the pool-mode upstream connection's state.
type PoolSnapshot struct {
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
}

func (s *Server) buildSnapshot() Snapshot {
	snap := Snapshot{
		UptimeS: time.Since(s.startTime).Seconds(),
		Now:     time.Now().Unix(),
	}

	uptimeS := snap.UptimeS
	if uptimeS < 1 {
		uptimeS = 1
	}

	s.srv.Range(func(m *stratum.Miner) bool {
		counters := m.CountersSnapshot()
		diff := m.Vardiff.CurrentDiff()
		hashrate := float64(counters.AcceptedValid) / uptimeS * diff * 4294967296.0

		snap.Miners = append(snap.Miners, MinerSnapshot{
			ID:          m.ID,
			Worker:      m.Worker,
			Authorized:  m.Authorized,
			RemoteIP:    m.RemoteIP,
			ConnectedAt: m.ConnectedAt,
			Difficulty:  diff,
			Counters:    counters,
			HashrateHz:  hashrate,
		})
		return true
	})

	if params, ok := s.srv.CurrentJobParams(); ok && len(params) > 0 {
		jobID, _ := params[0].(string)
		snap.Job = &JobSnapshot{JobID: jobID}
	}

	switch {
	case s.pool != nil:
		snap.Mode = "pool"
		snap.Upstream = &PoolSnapshot{
			State:   s.pool.State().String(),
			Healthy: s.pool.Healthy(),
		}
	case s.node != nil:
		snap.Mode = "solo"
		tmpl, ok := s.node.CurrentTemplate()
		nodeSnap := &NodeSnapshot{Healthy: s.node.Healthy()}
		if ok {
			nodeSnap.WorkID = tmpl.WorkID
			nodeSnap.Height = tmpl.Header.Number
			nodeSnap.CompactTarget = tmpl.CompactTarget
			nodeSnap.PowHash = hex.EncodeToString(tmpl.PowHash[:])
		}
		snap.Node = nodeSnap
	}

	return snap
}
