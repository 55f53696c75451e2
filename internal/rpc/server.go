package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
	"github.com/agentmux/agentmux/internal/ownership"
)

// Handler serves one method. Returned errors are serialized into the reply
// as coded errors; anything without a code becomes rpc.handler.error.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Server dispatches requests on an agent's request channel to registered
// method handlers. Mutating methods are checked against the ownership
// oracle before dispatch.
type Server struct {
	bus     bus.Bus
	agentID string
	oracle  ownership.Oracle
	logger  *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	sub      bus.Subscription
}

// NewServer creates an RPC server for one agent id.
func NewServer(b bus.Bus, agentID string, oracle ownership.Oracle, log *logger.Logger) *Server {
	return &Server{
		bus:      b,
		agentID:  agentID,
		oracle:   oracle,
		logger:   log.WithComponent("rpc-server").WithAgentID(agentID),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a method name.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Start subscribes to the request channel. Requests are served in the
// order they are dequeued; each dispatch runs on the subscription's
// goroutine so per-agent call order is preserved.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, RequestChannel(s.agentID), s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("rpc server listening")
	return nil
}

// Stop unsubscribes from the request channel.
func (s *Server) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (s *Server) handle(ctx context.Context, _ string, payload []byte) {
	if len(payload) > MaxRequestBytes {
		// Cannot trust the frame enough to decode a req_id for a reply.
		s.logger.Warn("dropping oversized request frame", zap.Int("bytes", len(payload)))
		return
	}

	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("dropping undecodable request frame", zap.Error(err))
		return
	}

	log := s.logger.WithFields(
		zap.String("method", req.Method), zap.String("req_id", req.ReqID))

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		log.Warn("unknown method")
		s.reply(ctx, req.ReqID, nil,
			fault.Newf(CodeNoSuchMethod, "no such method: %s", req.Method))
		return
	}

	if IsMutating(req.Method) {
		owns, err := s.oracle.IsOwner(ctx, s.agentID, req.Token)
		if err != nil {
			s.reply(ctx, req.ReqID, nil, fault.As(err, CodeError))
			return
		}
		if !owns {
			log.Warn("mutating call without writer role")
			s.reply(ctx, req.ReqID, nil,
				fault.New(ownership.CodeNotOwner, "caller does not hold the writer role"))
			return
		}
	}

	value, err := handler(ctx, req.Params)
	if err != nil {
		log.Debug("handler returned error", zap.Error(err))
		s.reply(ctx, req.ReqID, nil, fault.As(err, CodeHandlerError))
		return
	}
	s.reply(ctx, req.ReqID, value, nil)
}

func (s *Server) reply(ctx context.Context, reqID string, value map[string]any, callErr *fault.Error) {
	rep := Reply{
		ReqID: reqID,
		OK:    callErr == nil,
		Value: value,
		Err:   callErr,
		TS:    time.Now().UnixMilli(),
	}
	data, err := msgpack.Marshal(&rep)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, ReplyChannel(s.agentID, reqID), data); err != nil {
		s.logger.Warn("failed to publish reply", zap.Error(err))
	}
}
