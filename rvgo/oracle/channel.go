package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"

	preimage "github.com/ethereum-optimism/optimism/op-preimage"
	"github.com/ethereum/go-ethereum/log"
)

// Client is the enclave end of the page oracle: it writes a request and
// blocks until the raw response has been read.
type Client struct {
	rw io.ReadWriter
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

func (c *Client) PageIn(paddr, length uint64) ([]byte, error) {
	req, err := Request{Paddr: paddr, Length: length}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := c.rw.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send page request: %w", err)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(c.rw, out); err != nil {
		return nil, fmt.Errorf("failed to receive page %#x: %w", paddr, err)
	}
	return out, nil
}

// Server is the host end of the page oracle. It answers requests through the
// bridge until the client hangs up. On failure it closes its end of the
// channel, which the client observes as a failed read.
type Server struct {
	log    log.Logger
	bridge *Bridge
	rw     io.ReadWriteCloser
}

func NewServer(logger log.Logger, bridge *Bridge, rw io.ReadWriteCloser) *Server {
	return &Server{log: logger, bridge: bridge, rw: rw}
}

func (s *Server) Serve(ctx context.Context) error {
	defer s.rw.Close()
	var raw [RequestSize]byte
	for {
		if _, err := io.ReadFull(s.rw, raw[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read page request: %w", err)
		}
		data, err := s.bridge.PageIn(ctx, raw[:])
		if err != nil {
			s.log.Error("Page oracle request failed", "err", err)
			return err
		}
		if _, err := s.rw.Write(data); err != nil {
			return fmt.Errorf("failed to write page response: %w", err)
		}
	}
}

// Channel connects an enclave Client to a Server over a pair of pipes.
// A cancelled context fails the server's next remote read, and the server
// hanging up is what unblocks the client.
type Channel struct {
	client   *Client
	clientRW preimage.FileChannel
	cancel   context.CancelFunc
	done     chan error
}

// Open starts a server for bridge and returns the connected channel.
// Close must be called to release it.
func Open(ctx context.Context, logger log.Logger, bridge *Bridge) (*Channel, error) {
	clientRW, oracleRW, err := preimage.CreateBidirectionalChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to create page oracle channel: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := &Channel{
		client:   NewClient(clientRW),
		clientRW: clientRW,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	srv := NewServer(logger, bridge, oracleRW)
	go func() {
		ch.done <- srv.Serve(ctx)
	}()
	return ch, nil
}

func (ch *Channel) Client() *Client {
	return ch.client
}

// Close hangs up the client end and returns the error the server stopped with.
func (ch *Channel) Close() error {
	err := ch.clientRW.Close()
	srvErr := <-ch.done
	ch.cancel()
	if srvErr != nil {
		return srvErr
	}
	return err
}
