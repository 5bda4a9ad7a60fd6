package mcpmgr

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Namespace string
}

// RPCLogger is invoked for each JSON-RPC message exchanged with a backend.
type RPCLogger func(RPCLogEvent)

// SlogRPCLogger logs every frame at debug level.
func SlogRPCLogger(logger *slog.Logger) RPCLogger {
	return func(event RPCLogEvent) {
		logger.Debug("mcpmgr: frame",
			"backend", event.Namespace,
			"direction", strings.ToUpper(string(event.Direction)),
			"message", string(event.Message))
	}
}

func withRPCLogging(dial DialFunc, logger RPCLogger) DialFunc {
	if logger == nil {
		return dial
	}
	return func(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
		t, err := dial(ctx, desc)
		if err != nil {
			return nil, err
		}
		return &loggingTransport{namespace: desc.Namespace, delegate: t, logger: logger}, nil
	}
}

type loggingTransport struct {
	namespace string
	delegate  BackendTransport
	logger    RPCLogger
	mu        sync.Mutex
}

func (t *loggingTransport) Receive(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := t.delegate.Receive(ctx)
	if err == nil {
		t.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (t *loggingTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if err := t.delegate.Send(ctx, msg); err != nil {
		return err
	}
	t.emit(RPCDirectionSend, msg)
	return nil
}

func (t *loggingTransport) Close() error { return t.delegate.Close() }

// PID forwards to the wrapped transport.
func (t *loggingTransport) PID() int {
	if p, ok := t.delegate.(interface{ PID() int }); ok {
		return p.PID()
	}
	return 0
}

func (t *loggingTransport) emit(direction RPCDirection, msg jsonrpc.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	t.logger(RPCLogEvent{Direction: direction, Message: encoded, Namespace: t.namespace})
}
