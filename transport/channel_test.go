package transport

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"p2phun-rpc/message"
	"p2phun-rpc/protocol"
)

// fakeRemote plays the management service on the far end of a net.Pipe.
type fakeRemote struct {
	conn net.Conn
	rd   *protocol.Reader
}

func newPipeChannel(t *testing.T, opts ...Option) (*Channel, *fakeRemote) {
	t.Helper()
	local, remote := net.Pipe()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ch, err := NewChannel(local, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		remote.Close()
	})
	return ch, &fakeRemote{conn: remote, rd: protocol.NewReader(remote)}
}

func (r *fakeRemote) expect(t *testing.T) message.Call {
	t.Helper()
	raw, err := r.rd.ReadMessage()
	if err != nil {
		t.Errorf("remote read failed: %v", err)
		return message.Call{}
	}
	var call message.Call
	if err := json.Unmarshal(raw, &call); err != nil {
		t.Errorf("remote got invalid call %q: %v", raw, err)
	}
	return call
}

// writeFragments writes each fragment with its own Write call.
func (r *fakeRemote) writeFragments(t *testing.T, pause time.Duration, fragments ...string) {
	t.Helper()
	for _, f := range fragments {
		if _, err := r.conn.Write([]byte(f)); err != nil {
			t.Errorf("remote write failed: %v", err)
			return
		}
		time.Sleep(pause)
	}
}

func splitBytes(s string) []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = s[i : i+1]
	}
	return out
}

func TestChannelCallOneByteFragments(t *testing.T) {
	ch, remote := newPipeChannel(t)

	reply := `{"pid":"<0.142.0>","peers":[1,2,3]}`
	go func() {
		call := remote.expect(t)
		if call.Mod != "p2phun_node_sup" || call.Fun != "create_node" {
			t.Errorf("unexpected call %+v", call)
		}
		remote.writeFragments(t, 0, splitBytes(reply)...)
	}()

	got, err := ch.Call(context.Background(), message.NewCall("p2phun_node_sup", "create_node", map[string]any{"id": 1}))
	require.NoError(t, err)
	require.JSONEq(t, reply, string(got))
}

// 测试数字回复被拆成 "4" 和 "2" 两次到达
func TestChannelFindNodeNumberReply(t *testing.T) {
	ch, remote := newPipeChannel(t, WithNumberSettle(300*time.Millisecond))

	go func() {
		call := remote.expect(t)
		if call.Method() != "p2phun_swarm:find_node" || len(call.Args) != 2 {
			t.Errorf("unexpected call %+v", call)
		}
		remote.writeFragments(t, 50*time.Millisecond, "4", "2")
	}()

	got, err := ch.Call(context.Background(), message.NewCall("p2phun_swarm", "find_node", "A", "B"))
	require.NoError(t, err)
	require.Equal(t, "42", string(got))
}

func TestChannelBatchedReplies(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		remote.expect(t)
		// both replies in one write, before the second request was even sent
		remote.writeFragments(t, 0, `["first"]["second"]`)
		remote.expect(t)
	}()

	ctx := context.Background()
	first, err := ch.Call(ctx, message.NewCall("m", "f"))
	require.NoError(t, err)
	require.Equal(t, `["first"]`, string(first))

	second, err := ch.Call(ctx, message.NewCall("m", "g"))
	require.NoError(t, err)
	require.Equal(t, `["second"]`, string(second))
}

func TestChannelSendThenReceiveOne(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		remote.expect(t)
		remote.writeFragments(t, 0, `{"ok":`, `true}`)
	}()

	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, message.NewCall("p2phun_peertable_operations", "fetch_all", 3)))
	got, err := ch.ReceiveOne(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(got))
}

func TestChannelMalformedReply(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		remote.expect(t)
		remote.writeFragments(t, 0, `{"ok":]`)
	}()

	_, err := ch.Call(context.Background(), message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrProtocol)
	require.True(t, ch.Closed())
}

func TestChannelReadTimeout(t *testing.T) {
	ch, remote := newPipeChannel(t, WithReadTimeout(50*time.Millisecond))

	go remote.expect(t)

	start := time.Now()
	_, err := ch.Call(context.Background(), message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
	// a reply could still show up later, so the channel is not reusable
	require.True(t, ch.Closed())
}

func TestChannelContextDeadline(t *testing.T) {
	ch, remote := newPipeChannel(t)
	go remote.expect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ch.Call(ctx, message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestChannelContextCancel(t *testing.T) {
	ch, remote := newPipeChannel(t)
	go remote.expect(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := ch.Call(ctx, message.NewCall("m", "f"))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, ch.Closed())
}

func TestChannelCloseInterruptsReceive(t *testing.T) {
	ch, remote := newPipeChannel(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), message.NewCall("m", "f"))
		errCh <- err
	}()

	remote.expect(t)
	require.NoError(t, ch.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not interrupt the pending receive")
	}
}

func TestChannelUseAfterClose(t *testing.T) {
	ch, _ := newPipeChannel(t)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	ctx := context.Background()
	require.ErrorIs(t, ch.Send(ctx, message.NewCall("m", "f")), ErrClosed)
	_, err := ch.ReceiveOne(ctx)
	require.ErrorIs(t, err, ErrClosed)
	_, err = ch.Call(ctx, message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestChannelRemoteClosed(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		remote.expect(t)
		remote.conn.Close()
	}()

	_, err := ch.Call(context.Background(), message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrConnection)
}

func TestChannelRemoteClosedMidReply(t *testing.T) {
	ch, remote := newPipeChannel(t)

	go func() {
		remote.expect(t)
		remote.writeFragments(t, 0, `{"half":`)
		remote.conn.Close()
	}()

	_, err := ch.Call(context.Background(), message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestChannelInvalidCallKeepsChannel(t *testing.T) {
	ch, _ := newPipeChannel(t)

	err := ch.Send(context.Background(), message.NewCall("", "f"))
	require.ErrorIs(t, err, ErrSend)
	require.ErrorIs(t, err, message.ErrInvalidCall)
	require.False(t, ch.Closed())
}

func TestChannelSendBrokenConnection(t *testing.T) {
	ch, remote := newPipeChannel(t)
	remote.conn.Close()

	err := ch.Send(context.Background(), message.NewCall("m", "f"))
	require.ErrorIs(t, err, ErrSend)
	require.True(t, ch.Closed())
}

func TestNewChannelOptions(t *testing.T) {
	_, err := NewChannel(nil)
	require.ErrorIs(t, err, ErrInvalidCfg)

	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()
	_, err = NewChannel(local, WithReadTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestDialTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		remote := &fakeRemote{conn: conn, rd: protocol.NewReader(conn)}
		for i := 0; i < 3; i++ {
			call := remote.expect(t)
			if _, err := protocol.WriteValue(conn, map[string]any{"echo": call.Args}); err != nil {
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ch, err := Dial(context.Background(), host, port, WithReadTimeout(2*time.Second))
	require.NoError(t, err)
	defer ch.Close()

	for i := 0; i < 3; i++ {
		got, err := ch.Call(context.Background(), message.NewCall("echo", "args", i))
		require.NoError(t, err)
		require.JSONEq(t, `{"echo":[`+strconv.Itoa(i)+`]}`, string(got))
	}
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = DialAddr(context.Background(), addr, WithDialTimeout(time.Second))
	require.ErrorIs(t, err, ErrConnection)
}
