package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInterfaceMap(t *testing.T) {
	out := toInterfaceMap(map[string]string{"2": "4111", "3": "000000"})
	assert.Equal(t, "4111", out["2"])
	assert.Equal(t, "000000", out["3"])
	assert.Len(t, out, 2)
}

// A live Crypto collaborator is an external dependency this repo does not
// stand up for tests; skip rather than fake it, the same as the teacher's
// test/liquidity_test.go against its own out-of-process liquidity service.
func TestVerifyMACAgainstLiveCollaborator(t *testing.T) {
	c, err := New("localhost:50061")
	if err != nil {
		t.Skipf("Crypto collaborator not available: %v", err)
	}
	defer c.Close()

	valid, err := c.VerifyMAC(context.Background(), map[string]string{"2": "4111", "3": "000000"}, "deadbeef")
	require.NoError(t, err)
	assert.True(t, valid)
}
