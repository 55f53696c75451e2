package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// Client issues calls against one agent's request channel. The reply
// subscription for each call is established before the request is
// published, so a fast server cannot race the reply past the client.
type Client struct {
	bus     bus.Bus
	agentID string
	timeout time.Duration
	logger  *logger.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates an RPC client for one agent id.
func NewClient(b bus.Bus, agentID string, log *logger.Logger) *Client {
	return &Client{
		bus:     b,
		agentID: agentID,
		timeout: DefaultTimeout,
		logger:  log.WithComponent("rpc-client").WithAgentID(agentID),
	}
}

// SetToken sets the ownership token attached to every subsequent call.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SetTimeout overrides the default per-call timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Call invokes a method and waits for its reply. A failed reply comes back
// as the coded error the server produced.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	c.mu.RLock()
	token, timeout := c.token, c.timeout
	c.mu.RUnlock()

	req := Request{
		ReqID:  uuid.New().String(),
		Method: method,
		Params: params,
		Token:  token,
		TS:     time.Now().UnixMilli(),
	}
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fault.Wrap(CodeError, err)
	}
	if len(payload) > MaxRequestBytes {
		return nil, fault.Newf(CodeError, "request frame is %d bytes, limit is %d",
			len(payload), MaxRequestBytes)
	}

	c.logger.Debug("rpc call", zap.String("method", method), zap.String("req_id", req.ReqID))

	data, err := c.bus.Request(ctx,
		RequestChannel(c.agentID), ReplyChannel(c.agentID, req.ReqID),
		payload, timeout)
	if err != nil {
		return nil, err
	}

	var rep Reply
	if err := msgpack.Unmarshal(data, &rep); err != nil {
		return nil, fault.Wrap(bus.CodeNoResponse, err)
	}
	if !rep.OK {
		if rep.Err != nil {
			return nil, rep.Err
		}
		return nil, fault.New(CodeError, "call failed without error detail")
	}
	return rep.Value, nil
}
