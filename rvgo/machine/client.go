package machine

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client reaches a Service over JSON-RPC.
type Client struct {
	rpc *rpc.Client
}

var _ Remote = (*Client)(nil)

func Dial(ctx context.Context, addr string) (*Client, error) {
	c, err := rpc.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(c), nil
}

func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

func (c *Client) Load(ctx context.Context, path string, cfg RuntimeConfig) error {
	return c.rpc.CallContext(ctx, nil, Namespace+"_load", path, cfg)
}

func (c *Client) Run(ctx context.Context, target uint64) error {
	return c.rpc.CallContext(ctx, nil, Namespace+"_run", hexutil.Uint64(target))
}

func (c *Client) ReadRegister(ctx context.Context, name string) (uint64, error) {
	var out hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &out, Namespace+"_readRegister", name); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *Client) ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, Namespace+"_readMemory", hexutil.Uint64(paddr), hexutil.Uint64(length)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}
