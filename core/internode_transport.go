package core

// internode_transport.go – the duplex websocket transport behind Internode:
// one persistent connection per peer, request/response correlation keyed by
// packetId, and a retry-once-on-reopen send path. Inbound connections are
// accepted over the same Packet envelope via HandleWS, so every node is
// simultaneously a websocket client (dialing its peers) and server
// (accepting theirs).
//
// Grounded on the teacher's pattern of one long-lived connection per remote
// participant with a background read loop feeding a correlation map
// (core/replication.go's peer-session bookkeeping), adapted from a
// snapshot-replication stream to the request/response Packet envelope.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// dialTimeout bounds a single outbound websocket handshake attempt.
const dialTimeout = 5 * time.Second

// pingTimeout bounds a single WaitForRPCIsOK probe, independent of
// defaultRPCTimeout which governs ordinary request/response round trips.
const pingTimeout = 2 * time.Second

// peerConn wraps one websocket connection with the mutex gorilla/websocket
// requires for concurrent writers (reads are confined to a single goroutine
// per connection, so only Write needs guarding).
type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (pc *peerConn) writeJSON(v any) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn.WriteJSON(v)
}

// Internode is the inter-node RPC transport: it dials/accepts one
// connection per peer, dispatches inbound REQUEST packets to svc, and
// correlates inbound RESULT_* packets back to the goroutine awaiting them.
type Internode struct {
	logger    *logrus.Logger
	nodeName  string
	peerAddrs map[string]string // nodeName -> ws://host:port/path base URL
	svc       internodeServices
	upgrader  websocket.Upgrader

	connMu sync.Mutex
	conns  map[string]*peerConn

	pendingMu sync.Mutex
	pending   map[string]chan Packet
}

// NewInternode wires an Internode for nodeName over the given peer address
// table. SetServices must be called once the local internodeServices
// implementation (System) exists, before any HandleWS traffic begins.
func NewInternode(logger *logrus.Logger, nodeName string, peerAddrs map[string]string) *Internode {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Internode{
		logger:    logger,
		nodeName:  nodeName,
		peerAddrs: peerAddrs,
		conns:     make(map[string]*peerConn),
		pending:   make(map[string]chan Packet),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// SetServices wires the local handler set dispatch calls into.
func (n *Internode) SetServices(svc internodeServices) { n.svc = svc }

//---------------------------------------------------------------------
// Server side: accept inbound peer connections
//---------------------------------------------------------------------

// HandleWS upgrades an inbound connection from the peer named by the
// "node" query parameter and starts its read loop. Mount this at the
// cluster-facing websocket path (e.g. /internode/ws) alongside userapi and
// adminapi.
func (n *Internode) HandleWS(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("node")
	if peer == "" {
		http.Error(w, "missing node query parameter", http.StatusBadRequest)
		return
	}
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warnf("internode: upgrade from %s failed: %v", peer, err)
		return
	}
	pc := &peerConn{conn: conn}
	n.registerConn(peer, pc)
	n.readLoop(peer, pc)
}

func (n *Internode) registerConn(peer string, pc *peerConn) {
	n.connMu.Lock()
	old := n.conns[peer]
	n.conns[peer] = pc
	n.connMu.Unlock()
	if old != nil && old != pc {
		old.conn.Close()
	}
}

// readLoop owns one connection's receive side until it errors or closes,
// dispatching REQUEST packets to svc and routing RESULT_* packets to the
// goroutine blocked in sendAndWait.
func (n *Internode) readLoop(peer string, pc *peerConn) {
	defer func() {
		n.dropConnIfSame(peer, pc)
		pc.conn.Close()
	}()
	for {
		var p Packet
		if err := pc.conn.ReadJSON(&p); err != nil {
			n.logger.Debugf("internode: read from %s ended: %v", peer, err)
			return
		}
		switch p.Type {
		case PacketRequest:
			go n.serveRequest(pc, p)
		case PacketResultSuccess, PacketResultFailure:
			n.deliver(p)
		}
	}
}

func (n *Internode) serveRequest(pc *peerConn, p Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	if p.PacketId == "" {
		// fire-and-forget: run the handler, nobody is waiting on a reply.
		_, _ = n.dispatchOne(ctx, p)
		return
	}
	resp := n.dispatch(ctx, p)
	if err := pc.writeJSON(resp); err != nil {
		n.logger.Warnf("internode: write response to %s failed: %v", p.Sender, err)
	}
}

func (n *Internode) dropConnIfSame(peer string, pc *peerConn) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.conns[peer] == pc {
		delete(n.conns, peer)
	}
}

func (n *Internode) deliver(p Packet) {
	n.pendingMu.Lock()
	ch, ok := n.pending[p.PrevId]
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

//---------------------------------------------------------------------
// Client side: dial peers, send requests, await correlated responses
//---------------------------------------------------------------------

func (n *Internode) ensureConn(ctx context.Context, peer string) (*peerConn, error) {
	n.connMu.Lock()
	pc, ok := n.conns[peer]
	n.connMu.Unlock()
	if ok {
		return pc, nil
	}
	return n.dialAndRegister(ctx, peer)
}

func (n *Internode) dialAndRegister(ctx context.Context, peer string) (*peerConn, error) {
	addr, ok := n.peerAddrs[peer]
	if !ok {
		return nil, NewErr(KindUnreachable, "Internode", "dial", "UnknownPeer", fmt.Sprintf("no address configured for peer %s", peer), nil)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, addr+"?node="+n.nodeName, nil)
	if err != nil {
		return nil, NewErr(KindUnreachable, "Internode", "dial", "DialContext", err.Error(), err)
	}
	pc := &peerConn{conn: conn}
	n.connMu.Lock()
	n.conns[peer] = pc
	n.connMu.Unlock()
	go n.readLoop(peer, pc)
	return pc, nil
}

func (n *Internode) dropConn(peer string) {
	n.connMu.Lock()
	pc, ok := n.conns[peer]
	if ok {
		delete(n.conns, peer)
	}
	n.connMu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// sendWithRetry writes p to peer, reopening the connection once if the
// first write fails (a dead/half-closed socket is the common case after a
// peer restart).
func (n *Internode) sendWithRetry(ctx context.Context, peer string, p Packet) error {
	pc, err := n.ensureConn(ctx, peer)
	if err == nil {
		if werr := pc.writeJSON(p); werr == nil {
			return nil
		}
	}
	n.dropConn(peer)
	pc, err = n.ensureConn(ctx, peer)
	if err != nil {
		return err
	}
	if werr := pc.writeJSON(p); werr != nil {
		n.dropConn(peer)
		return NewErr(KindUnreachable, "Internode", "send", "WriteJSON", werr.Error(), werr)
	}
	return nil
}

// sendAndWait sends req to peer and blocks for its correlated response,
// translating a RESULT_FAILURE packet into an error so callers only ever
// see a RESULT_SUCCESS Packet on the happy path.
func (n *Internode) sendAndWait(ctx context.Context, peer string, req RequestKind, payload any) (Packet, error) {
	p, err := newRequestPacket(n.nodeName, peer, req, payload, true)
	if err != nil {
		return Packet{}, NewErr(KindValidation, "Internode", "sendAndWait", "BuildPacket", err.Error(), err)
	}
	ch := make(chan Packet, 1)
	n.pendingMu.Lock()
	n.pending[p.PacketId] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, p.PacketId)
		n.pendingMu.Unlock()
	}()

	if err := n.sendWithRetry(ctx, peer, p); err != nil {
		return Packet{}, err
	}

	timer := time.NewTimer(defaultRPCTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == PacketResultFailure {
			var body APIErrorBody
			_ = json.Unmarshal([]byte(resp.DataAsString), &body)
			return Packet{}, NewErr(ErrKind(body.Kind), body.Component, body.Function, body.Position, body.Detail, nil)
		}
		return resp, nil
	case <-ctx.Done():
		return Packet{}, NewErr(KindUnreachable, "Internode", "sendAndWait", "ContextDone", ctx.Err().Error(), ctx.Err())
	case <-timer.C:
		return Packet{}, NewErr(KindUnreachable, "Internode", "sendAndWait", "Timeout", fmt.Sprintf("no response from %s within %s", peer, defaultRPCTimeout), nil)
	}
}

// Close shuts down every open connection. Safe to call once during
// Core.Shutdown; the read loops exit on their own once the socket closes.
func (n *Internode) Close() error {
	n.connMu.Lock()
	conns := n.conns
	n.conns = make(map[string]*peerConn)
	n.connMu.Unlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
	return nil
}

//---------------------------------------------------------------------
// WaitForRPCIsOK – startup fan-in gate
//---------------------------------------------------------------------

// WaitForRPCIsOK pings every peer once a second until all respond or
// rpcRetryBudget attempts are exhausted (default 100), returning whichever
// peers are still unreachable.
func (n *Internode) WaitForRPCIsOK(ctx context.Context, peers []string, rpcRetryBudget int) []string {
	if rpcRetryBudget <= 0 {
		rpcRetryBudget = 100
	}
	down := make(map[string]bool)
	for _, p := range peers {
		if p != n.nodeName {
			down[p] = true
		}
	}
	for attempt := 0; attempt < rpcRetryBudget && len(down) > 0; attempt++ {
		candidates := make([]string, 0, len(down))
		for p := range down {
			candidates = append(candidates, p)
		}
		responded := make(chan string, len(candidates))
		var wg sync.WaitGroup
		for _, peer := range candidates {
			peer := peer
			wg.Add(1)
			go func() {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, pingTimeout)
				defer cancel()
				if err := n.Ping(pctx, peer); err == nil {
					responded <- peer
				}
			}()
		}
		wg.Wait()
		close(responded)
		for p := range responded {
			delete(down, p)
		}
		if len(down) == 0 || ctx.Err() != nil {
			break
		}
		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	out := make([]string, 0, len(down))
	for p := range down {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

//---------------------------------------------------------------------
// RPC client methods
//---------------------------------------------------------------------

// Ping checks reachability only; used by WaitForRPCIsOK.
func (n *Internode) Ping(ctx context.Context, peer string) error {
	_, err := n.sendAndWait(ctx, peer, ReqPing, struct{}{})
	return err
}

// AddPool pushes txs to peer's pool.
func (n *Internode) AddPool(ctx context.Context, peer string, txs []Tx) error {
	_, err := n.sendAndWait(ctx, peer, ReqAddPool, addPoolPayload{Txs: txs})
	return err
}

// GetPoolHeight returns peer's pool size for tenant.
func (n *Internode) GetPoolHeight(ctx context.Context, peer, tenant string) (int, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqGetPoolHeight, tenantPayload{Tenant: tenant})
	if err != nil {
		return 0, err
	}
	var height int
	if err := json.Unmarshal([]byte(resp.DataAsString), &height); err != nil {
		return 0, NewErr(KindInternal, "Internode", "GetPoolHeight", "Decode", err.Error(), err)
	}
	return height, nil
}

// GetBlockHeight returns peer's highest block height for tenant, or -1 if
// peer has no blocks yet.
func (n *Internode) GetBlockHeight(ctx context.Context, peer, tenant string) (int64, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqGetBlockHeight, tenantPayload{Tenant: tenant})
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal([]byte(resp.DataAsString), &height); err != nil {
		return 0, NewErr(KindInternal, "Internode", "GetBlockHeight", "Decode", err.Error(), err)
	}
	return height, nil
}

// GetBlockDigest returns peer's last-block hash/height for tenant.
func (n *Internode) GetBlockDigest(ctx context.Context, peer, tenant string, failIfUnhealthy bool) (blockDigestResponse, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqGetBlockDigest, blockDigestRequest{Tenant: tenant, FailIfUnhealthy: failIfUnhealthy})
	if err != nil {
		return blockDigestResponse{}, err
	}
	var digest blockDigestResponse
	if err := json.Unmarshal([]byte(resp.DataAsString), &digest); err != nil {
		return blockDigestResponse{}, NewErr(KindInternal, "Internode", "GetBlockDigest", "Decode", err.Error(), err)
	}
	return digest, nil
}

// GetBlock fetches a single block by object id from peer.
func (n *Internode) GetBlock(ctx context.Context, peer, oid, tenant string, returnUndefinedIfFail bool) (*Blk, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqGetBlock, getBlockRequest{Oid: oid, Tenant: tenant, ReturnUndefinedIfFail: returnUndefinedIfFail})
	if err != nil {
		return nil, err
	}
	return decodeOptionalBlock(resp.DataAsString)
}

// GetBlockByHeight fetches peer's block at height for tenant, used by
// majority resync when hashes disagree.
func (n *Internode) GetBlockByHeight(ctx context.Context, peer, tenant string, height int64) (*Blk, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqGetBlockByHeight, getBlockByHeightRequest{Height: height, Tenant: tenant})
	if err != nil {
		return nil, err
	}
	return decodeOptionalBlock(resp.DataAsString)
}

func decodeOptionalBlock(raw string) (*Blk, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var blk Blk
	if err := json.Unmarshal([]byte(raw), &blk); err != nil {
		return nil, NewErr(KindInternal, "Internode", "decodeOptionalBlock", "Decode", err.Error(), err)
	}
	return &blk, nil
}

// ExamineBlockDifference reports which heights in list peer disagrees with.
func (n *Internode) ExamineBlockDifference(ctx context.Context, peer, tenant string, list []heightHashPair) ([]int64, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqExamineBlockDifference, examineBlockDifferenceRequest{List: list, Tenant: tenant})
	if err != nil {
		return nil, err
	}
	var body examineBlockDifferenceResponse
	if err := json.Unmarshal([]byte(resp.DataAsString), &body); err != nil {
		return nil, NewErr(KindInternal, "Internode", "ExamineBlockDifference", "Decode", err.Error(), err)
	}
	return body.DivergentHeights, nil
}

// ExaminePoolDifference reports the pool id set difference between ids (our
// own pool) and peer's, from our point of view.
func (n *Internode) ExaminePoolDifference(ctx context.Context, peer, tenant string, ids []string) (examinePoolDifferenceResponse, error) {
	resp, err := n.sendAndWait(ctx, peer, ReqExaminePoolDifference, examinePoolDifferenceRequest{Ids: ids, Tenant: tenant})
	if err != nil {
		return examinePoolDifferenceResponse{}, err
	}
	var body examinePoolDifferenceResponse
	if err := json.Unmarshal([]byte(resp.DataAsString), &body); err != nil {
		return examinePoolDifferenceResponse{}, NewErr(KindInternal, "Internode", "ExaminePoolDifference", "Decode", err.Error(), err)
	}
	return body, nil
}

//---------------------------------------------------------------------
// ca3Peer implementation
//---------------------------------------------------------------------

// DeclareBlockCreation sends a freshly proposed candidate to peer for
// signing (CA3 Declare step).
func (n *Internode) DeclareBlockCreation(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error) {
	return n.sendCandidate(ctx, peer, ReqDeclareBlockCreation, candidate)
}

// SignAndResendOrStore forwards a partially-signed candidate to the next
// ring member (CA3 sign-and-forward step).
func (n *Internode) SignAndResendOrStore(ctx context.Context, peer string, candidate Blk) (Blk, SignOutcome, error) {
	return n.sendCandidate(ctx, peer, ReqSignAndResendOrStore, candidate)
}

func (n *Internode) sendCandidate(ctx context.Context, peer string, req RequestKind, candidate Blk) (Blk, SignOutcome, error) {
	resp, err := n.sendAndWait(ctx, peer, req, candidate)
	if err != nil {
		return Blk{}, OutcomeStore, err
	}
	var sr signResponse
	if err := json.Unmarshal([]byte(resp.DataAsString), &sr); err != nil {
		return Blk{}, OutcomeStore, NewErr(KindInternal, "Internode", "sendCandidate", "Decode", err.Error(), err)
	}
	return sr.Candidate, sr.Outcome, nil
}

// AddBlockCa3 broadcasts a sealed block to peer (CA3 Seal step).
func (n *Internode) AddBlockCa3(ctx context.Context, peer string, candidate Blk, removeFromPool bool) error {
	_, err := n.sendAndWait(ctx, peer, ReqAddBlockCa3, addBlockCa3Payload{Candidate: candidate, RemoveFromPool: removeFromPool})
	return err
}
