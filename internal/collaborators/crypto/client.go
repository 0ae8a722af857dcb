// Package crypto is a thin gRPC client for the external Crypto collaborator
// named in the gateway's out-of-scope list: "Crypto.VerifyMAC" verifies a
// message authentication code over a field set before the gateway trusts
// it, and is specified here only by the interface the core consumes — its
// internal HSM/key-management logic is someone else's service.
//
// It follows the teacher's LiquidityClient shape (consumer/liquidity_client.go):
// a blocking, timeout-bounded grpc.DialContext and one method per named
// operation. Since the real service's generated .pb.go stubs aren't part of
// this module, requests and responses use protobuf's own well-known types
// (structpb, wrapperspb) and grpc.ClientConn.Invoke directly instead of a
// hand-maintained fake generated client.
package crypto

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

const verifyMACMethod = "/fep.collaborators.Crypto/VerifyMAC"

// Client wraps the gRPC connection to the Crypto collaborator, guarded by
// a circuit breaker so a degraded crypto service fails fast rather than
// stalling every inbound authorization.
type Client struct {
	conn    *grpc.ClientConn
	breaker *resilience.Breaker
	timeout time.Duration
}

// New dials address with a 5-second blocking timeout, matching
// NewLiquidityClient's dial policy.
func New(address string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to connect: %w", err)
	}

	return &Client{
		conn:    conn,
		breaker: resilience.NewCryptoBreaker(),
		timeout: 100 * time.Millisecond,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// VerifyMAC asks the collaborator whether mac is a valid authentication
// code over fields, each keyed by its ISO 8583 field number as a string.
func (c *Client) VerifyMAC(ctx context.Context, fields map[string]string, mac string) (valid bool, err error) {
	req, buildErr := structpb.NewStruct(map[string]interface{}{
		"fields": toInterfaceMap(fields),
		"mac":    mac,
	})
	if buildErr != nil {
		return false, fmt.Errorf("crypto: build request: %w", buildErr)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &wrapperspb.BoolValue{}
	breakerErr := c.breaker.Call(func() error {
		return c.conn.Invoke(callCtx, verifyMACMethod, req, resp)
	})
	if breakerErr != nil {
		return false, fmt.Errorf("crypto: verify mac: %w", breakerErr)
	}
	return resp.GetValue(), nil
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
