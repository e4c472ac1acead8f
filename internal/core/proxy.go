// Package core wires a Server to whichever upstream the configured mode
// calls for, and implements the share-handling decision that differs
// between the two: pool mode forwards blindly, solo mode validates locally
// against Eaglesong and the network target.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/hashcore"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/header"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/node"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/poolclient"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

// Proxy implements stratum.ShareHandler, dispatching each submitted share
// to the pool-forward or solo-validate path depending on mode.
type Proxy struct {
	mode stratum.Mode
	srv  *stratum.Server
	pool *poolclient.Client // pool mode only
	node *node.Client       // solo mode only
}

// NewPoolProxy builds a Proxy that forwards every share upstream verbatim.
func NewPoolProxy(srv *stratum.Server, pool *poolclient.Client) *Proxy {
	return &Proxy{mode: stratum.ModePool, srv: srv, pool: pool}
}

// NewSoloProxy builds a Proxy that validates every share against the
// node's current template before acknowledging it.
func NewSoloProxy(srv *stratum.Server, nodeClient *node.Client) *Proxy {
	return &Proxy{mode: stratum.ModeSolo, srv: srv, node: nodeClient}
}

// HandleShare implements stratum.ShareHandler. Replies go to srv, the
// Server that dispatched the share.
func (p *Proxy) HandleShare(srv *stratum.Server, m *stratum.Miner, reqID interface{}, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex string) {
	if p.mode == stratum.ModePool {
		p.handlePoolShare(srv, m, reqID, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex)
		return
	}
	p.handleSoloShare(srv, m, reqID, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex)
}

// handlePoolShare rewrites the miner's extranonce2 with its partition byte
// and forwards verbatim; the pool's own validation is authoritative.
func (p *Proxy) handlePoolShare(srv *stratum.Server, m *stratum.Miner, reqID interface{}, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex string) {
	upstreamExtraNonce2 := m.RewriteExtraNonce2(extraNonce2Hex)
	if err := p.pool.ForwardShare(m.ID, reqID, jobIDHex, upstreamExtraNonce2, ntimeHex, nonceHex); err != nil {
		srv.Respond(m.ID, reqID, nil, []interface{}{20, "Invalid params", nil})
		return
	}
	m.RecordAcceptedValid()
}

// handleSoloShare implements the five-step solo validation in spec order:
// stale-job ACK, Eaglesong recompute, vardiff-scaled target comparison,
// and — on a network-target hit — an async submit_block.
func (p *Proxy) handleSoloShare(srv *stratum.Server, m *stratum.Miner, reqID interface{}, jobIDHex, extraNonce2Hex, ntimeHex, nonceHex string) {
	tmpl, ok := p.node.CurrentTemplate()
	if !ok {
		srv.Respond(m.ID, reqID, nil, []interface{}{20, "No job", nil})
		return
	}

	currentJobIDHex := fmt.Sprintf("%08x", tmpl.JobID)
	if jobIDHex != currentJobIDHex {
		// Stale job: ACK true without validation so a miner replaying its
		// buffer against an outdated job doesn't stall waiting for a reject.
		m.RecordAcceptedStaleAck()
		srv.Respond(m.ID, reqID, true, nil)
		return
	}

	nonceBytes, err := util.HexToBytes(nonceHex)
	if err != nil || len(nonceBytes) > 16 {
		srv.Respond(m.ID, reqID, nil, []interface{}{20, "Invalid params", nil})
		return
	}
	var nonceLE [16]byte
	copy(nonceLE[:], util.PadBytes(nonceBytes, 16))

	input := header.BuildMiningInput(tmpl.PowHash, nonceLE)
	hash := hashcore.Eaglesong(input[:])

	minerTarget := util.DiffToTargetLE(m.Vardiff.CurrentDiff())
	if !util.MeetsTarget(hash[:], minerTarget) {
		m.RecordRejected()
		srv.RespondLowDifficulty(m.ID, reqID)
		return
	}

	m.RecordAcceptedValid()
	srv.Respond(m.ID, reqID, true, nil)

	if util.MeetsTarget(hash[:], tmpl.TargetLE) {
		m.RecordLocalOnly()
		go p.submitBlock(nonceLE)
	}
}

func (p *Proxy) submitBlock(nonceLE [16]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	ok, err := p.node.SubmitBlock(ctx, nonceLE)
	if err != nil {
		util.Warnf("core: submit_block failed: %v", err)
		return
	}
	if !ok {
		util.Warnf("core: submit_block rejected by node")
		return
	}
	util.Infof("core: block accepted, refreshing template")
	p.node.TriggerPoll()
}
