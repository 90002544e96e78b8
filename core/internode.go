package core

// internode.go – the inter-node RPC packet model and request dispatch:
// packet correlation via packetId/prevId, the exhaustive request set, and
// the handlers that translate an inbound packet into a CA3/Main/Datastore
// call and a response packet.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PacketType distinguishes a request from the two response shapes.
type PacketType string

const (
	PacketRequest       PacketType = "REQUEST"
	PacketResultSuccess PacketType = "RESULT_SUCCESS"
	PacketResultFailure PacketType = "RESULT_FAILURE"
)

// RequestKind enumerates the exhaustive inter-node request set.
type RequestKind string

const (
	ReqPing                    RequestKind = "Ping"
	ReqAddPool                 RequestKind = "AddPool"
	ReqAddBlockCa3             RequestKind = "AddBlockCa3"
	ReqGetPoolHeight           RequestKind = "GetPoolHeight"
	ReqGetBlockHeight          RequestKind = "GetBlockHeight"
	ReqGetBlockDigest          RequestKind = "GetBlockDigest"
	ReqGetBlock                RequestKind = "GetBlock"
	ReqExamineBlockDifference  RequestKind = "ExamineBlockDifference"
	ReqExaminePoolDifference   RequestKind = "ExaminePoolDifference"
	ReqDeclareBlockCreation    RequestKind = "DeclareBlockCreation"
	ReqSignAndResendOrStore    RequestKind = "SignAndResendOrStore"
	ReqGetBlockByHeight        RequestKind = "GetBlockByHeight"
	ReqResetTestNode           RequestKind = "ResetTestNode"
)

// Packet is the wire envelope for every inter-node message.
type Packet struct {
	Version      string      `json:"version"`
	PacketId     string      `json:"packetId"`
	Sender       string      `json:"sender"`
	Receiver     string      `json:"receiver"`
	PrevId       string      `json:"prevId,omitempty"`
	Type         PacketType  `json:"type"`
	Request      RequestKind `json:"request,omitempty"`
	DataAsString string      `json:"dataAsString,omitempty"`
}

// newRequestPacket builds a fire-and-forget-capable request packet.
// wantsResponse controls whether PacketId is populated (empty means no
// response is expected, per the "packetId=='' expects no response" rule).
func newRequestPacket(sender, receiver string, req RequestKind, payload any, wantsResponse bool) (Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("marshal request payload: %w", err)
	}
	id := ""
	if wantsResponse {
		id = uuid.NewString()
	}
	return Packet{Version: "1", PacketId: id, Sender: sender, Receiver: receiver, Type: PacketRequest, Request: req, DataAsString: string(raw)}, nil
}

func successPacket(req Packet, sender string, payload any) (Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("marshal response payload: %w", err)
	}
	return Packet{Version: "1", PacketId: uuid.NewString(), Sender: sender, Receiver: req.Sender, PrevId: req.PacketId, Type: PacketResultSuccess, Request: req.Request, DataAsString: string(raw)}, nil
}

func failurePacket(req Packet, sender string, err error) Packet {
	body := ToAPIErrorBody(string(req.Request), err)
	raw, _ := json.Marshal(body)
	return Packet{Version: "1", PacketId: uuid.NewString(), Sender: sender, Receiver: req.Sender, PrevId: req.PacketId, Type: PacketResultFailure, Request: req.Request, DataAsString: string(raw)}
}

//---------------------------------------------------------------------
// Request/response payload shapes
//---------------------------------------------------------------------

type addPoolPayload struct {
	Txs []Tx `json:"txs"`
}

type addBlockCa3Payload struct {
	Candidate      Blk  `json:"candidate"`
	RemoveFromPool bool `json:"removeFromPool"`
}

type tenantPayload struct {
	Tenant string `json:"tenant"`
}

type blockDigestRequest struct {
	Tenant          string `json:"tenant"`
	FailIfUnhealthy bool   `json:"failIfUnhealthy"`
}

type blockDigestResponse struct {
	LastHash string `json:"lastHash"`
	Height   int64  `json:"height"`
}

type getBlockRequest struct {
	Oid                   string `json:"oid"`
	Tenant                string `json:"tenant"`
	ReturnUndefinedIfFail bool   `json:"returnUndefinedIfFail"`
}

type getBlockByHeightRequest struct {
	Height int64  `json:"height"`
	Tenant string `json:"tenant"`
}

type heightHashPair struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

type examineBlockDifferenceRequest struct {
	List   []heightHashPair `json:"list"`
	Tenant string           `json:"tenant"`
}

type examineBlockDifferenceResponse struct {
	DivergentHeights []int64 `json:"divergentHeights"`
}

type examinePoolDifferenceRequest struct {
	Ids    []string `json:"ids"`
	Tenant string   `json:"tenant"`
}

type examinePoolDifferenceResponse struct {
	Missing []string `json:"missing"` // present on the peer, absent here
	Extra   []string `json:"extra"`   // present here, absent on the peer
}

type signResponse struct {
	Candidate Blk         `json:"candidate"`
	Outcome   SignOutcome `json:"outcome"`
}

type ackResponse struct {
	Ok bool `json:"ok"`
}

//---------------------------------------------------------------------
// Internode dispatch
//---------------------------------------------------------------------

// internodeServices is the narrow surface Internode calls into to satisfy
// inbound requests, implemented by Main/Datastore/CA3/System.
type internodeServices interface {
	handleAddPool(ctx context.Context, tenant string, txs []Tx) error
	handleGetPoolHeight(ctx context.Context, tenant string) (int, error)
	handleGetBlockHeight(ctx context.Context, tenant string) (int64, error)
	handleGetBlockDigest(ctx context.Context, tenant string) (blockDigestResponse, error)
	handleGetBlock(ctx context.Context, oid, tenant string) (*Blk, error)
	handleGetBlockByHeight(ctx context.Context, tenant string, height int64) (*Blk, error)
	handleExamineBlockDifference(ctx context.Context, tenant string, list []heightHashPair) ([]int64, error)
	handleExaminePoolDifference(ctx context.Context, tenant string, ids []string) (examinePoolDifferenceResponse, error)
	handleDeclareOrSign(ctx context.Context, candidate Blk) (Blk, SignOutcome, error)
	handleAddBlockCa3(ctx context.Context, tenant string, candidate Blk, removeFromPool bool) error
}

// dispatch turns an inbound REQUEST packet into a response packet by
// invoking the matching services method. Never called for RESULT_* packets,
// which are routed to pendingResults instead.
func (n *Internode) dispatch(ctx context.Context, p Packet) Packet {
	resp, err := n.dispatchOne(ctx, p)
	if err != nil {
		return failurePacket(p, n.nodeName, err)
	}
	ok, err := successPacket(p, n.nodeName, resp)
	if err != nil {
		return failurePacket(p, n.nodeName, err)
	}
	return ok
}

func (n *Internode) dispatchOne(ctx context.Context, p Packet) (any, error) {
	switch p.Request {
	case ReqPing:
		return ackResponse{Ok: true}, nil
	case ReqAddPool:
		var body addPoolPayload
		if err := json.Unmarshal([]byte(p.DataAsString), &body); err != nil {
			return nil, NewErr(KindValidation, "Internode", "dispatch", "AddPool", err.Error(), err)
		}
		tenant := tenantOfTxs(body.Txs)
		if err := n.svc.handleAddPool(ctx, tenant, body.Txs); err != nil {
			return nil, err
		}
		return ackResponse{Ok: true}, nil
	case ReqAddBlockCa3:
		var body addBlockCa3Payload
		if err := json.Unmarshal([]byte(p.DataAsString), &body); err != nil {
			return nil, NewErr(KindValidation, "Internode", "dispatch", "AddBlockCa3", err.Error(), err)
		}
		if err := n.svc.handleAddBlockCa3(ctx, body.Candidate.Tenant, body.Candidate, body.RemoveFromPool); err != nil {
			return nil, err
		}
		return ackResponse{Ok: true}, nil
	case ReqGetPoolHeight:
		var body tenantPayload
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		n2, err := n.svc.handleGetPoolHeight(ctx, body.Tenant)
		return n2, err
	case ReqGetBlockHeight:
		var body tenantPayload
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		h, err := n.svc.handleGetBlockHeight(ctx, body.Tenant)
		return h, err
	case ReqGetBlockDigest:
		var body blockDigestRequest
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		d, err := n.svc.handleGetBlockDigest(ctx, body.Tenant)
		if err != nil && body.FailIfUnhealthy {
			return nil, err
		}
		return d, nil
	case ReqGetBlock:
		var body getBlockRequest
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		blk, err := n.svc.handleGetBlock(ctx, body.Oid, body.Tenant)
		if err != nil {
			if body.ReturnUndefinedIfFail {
				return nil, nil
			}
			return nil, err
		}
		return blk, nil
	case ReqGetBlockByHeight:
		var body getBlockByHeightRequest
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		blk, err := n.svc.handleGetBlockByHeight(ctx, body.Tenant, body.Height)
		if err != nil {
			return nil, err
		}
		return blk, nil
	case ReqExamineBlockDifference:
		var body examineBlockDifferenceRequest
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		diff, err := n.svc.handleExamineBlockDifference(ctx, body.Tenant, body.List)
		if err != nil {
			return nil, err
		}
		return examineBlockDifferenceResponse{DivergentHeights: diff}, nil
	case ReqExaminePoolDifference:
		var body examinePoolDifferenceRequest
		_ = json.Unmarshal([]byte(p.DataAsString), &body)
		return n.svc.handleExaminePoolDifference(ctx, body.Tenant, body.Ids)
	case ReqDeclareBlockCreation, ReqSignAndResendOrStore:
		var candidate Blk
		if err := json.Unmarshal([]byte(p.DataAsString), &candidate); err != nil {
			return nil, NewErr(KindValidation, "Internode", "dispatch", string(p.Request), err.Error(), err)
		}
		updated, outcome, err := n.svc.handleDeclareOrSign(ctx, candidate)
		if err != nil {
			return nil, err
		}
		return signResponse{Candidate: updated, Outcome: outcome}, nil
	case ReqResetTestNode:
		return ackResponse{Ok: true}, nil
	default:
		return nil, NewErr(KindNotImplemented, "Internode", "dispatch", "UnknownRequest", fmt.Sprintf("unknown request kind %q", p.Request), nil)
	}
}

func tenantOfTxs(txs []Tx) string {
	if len(txs) == 0 {
		return ""
	}
	return txs[0].Tenant
}

// defaultRPCTimeout bounds a request awaiting correlation when the caller
// supplies no deadline.
const defaultRPCTimeout = 10 * time.Second
