package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"
	"McpHub/internal/process"
)

// stdioTransport 通过进程宿主与子进程交换按行分隔的 JSON
type stdioTransport struct {
	serverID string
	cfg      models.TransportConfig
	host     *process.Host
	ids      idCounter
	closed   atomic.Bool
}

func newStdioTransport(serverID string, cfg models.TransportConfig, host *process.Host) *stdioTransport {
	return &stdioTransport{serverID: serverID, cfg: cfg, host: host}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	if err := t.host.Connect(ctx, t.serverID, t.cfg.Command, t.cfg.Args, t.cfg.Env); err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeTransport,
			"failed to connect stdio transport ("+t.cfg.Target()+")",
			map[string]string{"server_id": t.serverID, "transport": "stdio"}, err)
	}
	return nil
}

func (t *stdioTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := encodeRequest(t.ids.next(), method, params)
	if err != nil {
		return nil, err
	}
	reply, err := t.host.SendRequest(ctx, t.serverID, string(payload))
	if err != nil {
		return nil, wrapContextErr(ctx, method, err)
	}
	if strings.TrimSpace(reply) == "" {
		return nil, apperrors.New(apperrors.CodeProtocol, "empty response to "+method)
	}
	return decodeResponse(method, []byte(reply))
}

func (t *stdioTransport) SendNotification(ctx context.Context, method string, params any) error {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	return t.host.SendNotification(ctx, t.serverID, string(payload))
}

func (t *stdioTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.host.Disconnect(t.serverID)
	}
	return nil
}
