package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paynet/iso-fep/internal/iso8583"
)

func testProvider() *iso8583.Provider {
	return iso8583.NewProvider("TEST_SERVER_FISC", "../iso8583/testdata/fields_fisc.csv")
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerApprovesKnownRequest(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := HandlerFunc(func(ctx context.Context, req *RequestContext) {
		resp := ApprovedReply(req.Message, "123456")
		require.NoError(t, req.SendResponse(resp))
	})

	srv := New(Config{ReplyBound: time.Second}, codec, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)
	defer srv.Close()

	conn := dial(t, ln.Addr().String())

	req := iso8583.NewMessage(iso8583.MTIFinancialRequest)
	req.SetField(3, "000000")
	req.SetField(4, "000000010000")
	req.SetField(11, "000777")
	req.SetField(41, "TERM0001")

	frame, err := codec.EncodeMessage(req)
	require.NoError(t, err)
	require.NoError(t, iso8583.WriteFrame(conn, frame))

	respFrame, err := iso8583.ReadFrame(conn)
	require.NoError(t, err)
	resp, err := codec.DecodeMessage(respFrame)
	require.NoError(t, err)

	assert.Equal(t, iso8583.MTIFinancialResponse, resp.MTI)
	assert.Equal(t, "00", resp.MustField(39))
	assert.Equal(t, "000777", resp.MustField(11))
	assert.Equal(t, "123456", resp.MustField(38))

	assert.Len(t, resp.MustField(7), 10)
	assert.Len(t, resp.MustField(12), 6)
	assert.Len(t, resp.MustField(13), 4)
}

func TestServerDefaultsWhenHandlerNeverResponds(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := HandlerFunc(func(ctx context.Context, req *RequestContext) {
		// Never calls SendResponse; the server must synthesize the default.
	})

	srv := New(Config{ReplyBound: 100 * time.Millisecond}, codec, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)
	defer srv.Close()

	conn := dial(t, ln.Addr().String())

	req := iso8583.NewMessage(iso8583.MTIFinancialRequest)
	req.SetField(11, "000888")
	frame, err := codec.EncodeMessage(req)
	require.NoError(t, err)
	require.NoError(t, iso8583.WriteFrame(conn, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respFrame, err := iso8583.ReadFrame(conn)
	require.NoError(t, err)
	resp, err := codec.DecodeMessage(respFrame)
	require.NoError(t, err)

	assert.Equal(t, iso8583.MTIFinancialResponse, resp.MTI)
	assert.Equal(t, iso8583.RespSystemError, resp.MustField(39))
	assert.Equal(t, "000888", resp.MustField(11))
	assert.Len(t, resp.MustField(7), 10)
	assert.Len(t, resp.MustField(12), 6)
	assert.Len(t, resp.MustField(13), 4)

	stats := srv.Statistics()
	assert.EqualValues(t, 1, stats.Defaulted)
}

func TestServerUnknownMTIGetsInvalidTransaction(t *testing.T) {
	req := iso8583.NewMessage("9999")
	resp := DefaultReply(req)
	assert.Equal(t, "9999", resp.MTI)
	assert.Equal(t, "12", resp.MustField(39))
	assert.Len(t, resp.MustField(7), 10)
	assert.Len(t, resp.MustField(12), 6)
	assert.Len(t, resp.MustField(13), 4)
}

func TestServerSecondSendResponseIsIgnored(t *testing.T) {
	sent := 0
	rc := &RequestContext{Message: iso8583.NewMessage(iso8583.MTIFinancialRequest)}
	rc.sendFn = func(*iso8583.Message) error {
		sent++
		return nil
	}

	require.NoError(t, rc.SendResponse(iso8583.NewMessage(iso8583.MTIFinancialResponse)))
	require.NoError(t, rc.SendResponse(iso8583.NewMessage(iso8583.MTIFinancialResponse)))
	assert.Equal(t, 1, sent)
}

func TestServerCloseIsIdempotent(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Config{}, codec, HandlerFunc(func(context.Context, *RequestContext) {}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
