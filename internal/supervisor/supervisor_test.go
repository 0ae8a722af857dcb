package supervisor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paynet/iso-fep/internal/iso8583"
)

func testProvider() *iso8583.Provider {
	return iso8583.NewProvider("TEST_SUPERVISOR_FISC", "../iso8583/testdata/fields_fisc.csv")
}

// fakeFISC accepts one Send connection and one Receive connection, reading
// frames off the former and writing an approved response for every request
// to the latter. It stands in for the simulator spec.md §8 describes driving
// the dual-channel tests against.
type fakeFISC struct {
	sendLn    net.Listener
	receiveLn net.Listener
	codec     *iso8583.Codec

	respond func(req *iso8583.Message) *iso8583.Message
}

func newFakeFISC(t *testing.T, codec *iso8583.Codec) *fakeFISC {
	t.Helper()
	sendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	receiveLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeFISC{
		sendLn:    sendLn,
		receiveLn: receiveLn,
		codec:     codec,
		respond: func(req *iso8583.Message) *iso8583.Message {
			resp := iso8583.NewMessage(iso8583.ResponseMTI(req.MTI))
			if trace, ok := req.GetField(11); ok {
				resp.SetField(11, trace)
			}
			if code, ok := req.GetField(70); ok {
				resp.SetField(70, code)
			}
			resp.SetField(39, iso8583.RespApproved)
			return resp
		},
	}
	t.Cleanup(func() {
		sendLn.Close()
		receiveLn.Close()
	})
	return f
}

func (f *fakeFISC) sendAddr() (string, int)    { return splitAddr(f.sendLn.Addr().String()) }
func (f *fakeFISC) receiveAddr() (string, int) { return splitAddr(f.receiveLn.Addr().String()) }

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

// run accepts both legs and services requests until the listeners close.
func (f *fakeFISC) run(t *testing.T) {
	t.Helper()

	sendConnCh := make(chan net.Conn, 1)
	receiveConnCh := make(chan net.Conn, 1)

	go func() {
		conn, err := f.sendLn.Accept()
		if err == nil {
			sendConnCh <- conn
		}
	}()
	go func() {
		conn, err := f.receiveLn.Accept()
		if err == nil {
			receiveConnCh <- conn
		}
	}()

	go func() {
		sendConn := <-sendConnCh
		receiveConn := <-receiveConnCh

		for {
			frame, err := iso8583.ReadFrame(sendConn)
			if err != nil {
				return
			}
			req, err := f.codec.DecodeMessage(frame)
			if err != nil {
				continue
			}
			resp := f.respond(req)
			out, err := f.codec.EncodeMessage(resp)
			if err != nil {
				continue
			}
			if err := iso8583.WriteFrame(receiveConn, out); err != nil {
				return
			}
		}
	}()
}

func testConfig(f *fakeFISC) Config {
	cfg := DefaultConfig()
	cfg.SendHost, cfg.SendPort = f.sendAddr()
	cfg.ReceiveHost, cfg.ReceivePort = f.receiveAddr()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReadTimeout = 0
	cfg.HeartbeatInterval = 0 // tests drive Heartbeat explicitly
	cfg.ReconnectMaxAttempts = 1
	cfg.MaxInFlight = 100
	return cfg
}

func TestSupervisorConnectAndSignOn(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	sv := New(testConfig(fisc), provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	assert.Equal(t, BothConnected, sv.State())

	require.NoError(t, sv.SignOn(ctx))
	assert.Equal(t, SignedOn, sv.State())

	require.NoError(t, sv.Close())
}

func TestSupervisorSignOnIsIdempotent(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	sv := New(testConfig(fisc), provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	require.NoError(t, sv.SignOn(ctx))

	require.NoError(t, sv.SignOn(ctx))
	assert.Equal(t, SignedOn, sv.State())

	require.NoError(t, sv.Close())
}

func TestSupervisorSendAndReceiveApproved(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	sv := New(testConfig(fisc), provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	require.NoError(t, sv.SignOn(ctx))

	req := iso8583.NewMessage(iso8583.MTIAuthorizationRequest)
	req.SetField(3, "000000")
	req.SetField(4, "000000010000")
	req.SetField(11, "000123")
	req.SetField(41, "TERM0001")

	resp, err := sv.SendAndReceive(ctx, req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "00", resp.MustField(39))
	assert.Equal(t, "000123", resp.MustField(11))

	require.NoError(t, sv.Close())
}

func TestSupervisorHeartbeatSucceeds(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	sv := New(testConfig(fisc), provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	require.NoError(t, sv.SignOn(ctx))

	sv.Heartbeat(ctx)
	assert.Equal(t, SignedOn, sv.State())

	require.NoError(t, sv.Close())
}

func TestSupervisorSendAndReceiveTimesOutWhenUnanswered(t *testing.T) {
	provider := testProvider()

	sendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sendLn.Close()
	receiveLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiveLn.Close()

	// Accept both legs but never respond: every request times out.
	go func() {
		conn, err := sendLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		conn, err := receiveLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	cfg := DefaultConfig()
	cfg.SendHost, cfg.SendPort = splitAddr(sendLn.Addr().String())
	cfg.ReceiveHost, cfg.ReceivePort = splitAddr(receiveLn.Addr().String())
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 0
	cfg.ReconnectMaxAttempts = 1

	sv := New(cfg, provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sv.Connect(ctx))

	req := iso8583.NewMessage(iso8583.MTINetworkManagementRequest)
	req.SetField(70, iso8583.NetMgmtEcho)

	_, err = sv.SendAndReceive(ctx, req, 200*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, sv.Close())
}

func TestSupervisorCloseIsIdempotent(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	sv := New(testConfig(fisc), provider, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	require.NoError(t, sv.SignOn(ctx))

	require.NoError(t, sv.Close())
	require.NoError(t, sv.Close())

	_, err := sv.SendAndReceive(ctx, iso8583.NewMessage(iso8583.MTINetworkManagementRequest), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

type recordingListener struct {
	mu     sync.Mutex
	states []PairState
}

func (l *recordingListener) OnPairStateChange(s PairState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) last() PairState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return Disconnected
	}
	return l.states[len(l.states)-1]
}

func TestSupervisorNotifiesListenerOfStateTransitions(t *testing.T) {
	provider := testProvider()
	codec := iso8583.NewCodec(provider)
	fisc := newFakeFISC(t, codec)
	fisc.run(t)

	listener := &recordingListener{}
	sv := New(testConfig(fisc), provider, listener)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, sv.Connect(ctx))
	require.NoError(t, sv.SignOn(ctx))
	assert.Equal(t, SignedOn, listener.last())

	require.NoError(t, sv.Close())
	assert.Equal(t, Disconnected, listener.last())
}
