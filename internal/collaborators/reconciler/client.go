// Package reconciler is a thin gRPC client for the external Reconciler
// collaborator named in the gateway's out-of-scope list: "Reconciler.Match"
// checks whether a completed transaction has a matching settlement record,
// specified only by the interface the core consumes.
//
// Shaped like collaborators/crypto and the teacher's LiquidityClient: a
// blocking, timeout-bounded dial and one method per operation, using
// protobuf's well-known types over grpc.ClientConn.Invoke instead of a
// hand-maintained generated stub.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/paynet/iso-fep/internal/resilience"
)

const matchMethod = "/fep.collaborators.Reconciler/Match"

// Client wraps the gRPC connection to the Reconciler collaborator.
type Client struct {
	conn    *grpc.ClientConn
	breaker *resilience.Breaker
	timeout time.Duration
}

// New dials address with a 5-second blocking timeout.
func New(address string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("reconciler: failed to connect: %w", err)
	}

	return &Client{
		conn:    conn,
		breaker: resilience.NewReconcilerBreaker(),
		timeout: 100 * time.Millisecond,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Match asks the collaborator whether trace has a matching settlement
// record for amount.
func (c *Client) Match(ctx context.Context, trace string, amount string) (matched bool, err error) {
	req, buildErr := structpb.NewStruct(map[string]interface{}{
		"trace":  trace,
		"amount": amount,
	})
	if buildErr != nil {
		return false, fmt.Errorf("reconciler: build request: %w", buildErr)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &wrapperspb.BoolValue{}
	breakerErr := c.breaker.Call(func() error {
		return c.conn.Invoke(callCtx, matchMethod, req, resp)
	})
	if breakerErr != nil {
		return false, fmt.Errorf("reconciler: match: %w", breakerErr)
	}
	return resp.GetValue(), nil
}
