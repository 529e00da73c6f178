package test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"p2phun-rpc/client"
	"p2phun-rpc/loadbalance"
	"p2phun-rpc/middleware"
	"p2phun-rpc/registry"
	"p2phun-rpc/routing"
	"p2phun-rpc/server"
	"p2phun-rpc/transport"
)

func startHost(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svr := server.NewServer(append([]server.Option{server.WithLogger(logger)}, opts...)...)
	svr.Use(middleware.LoggingMiddleware(logger.Named("server")))
	require.NoError(t, server.NewEmulator().Install(svr))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, l.Addr().String()
}

// TestFullIntegration 完整端到端测试
// 链路: Client → Middleware → Registry → LB → Pool → Channel → Server(逐字节写回) → Emulator
func TestFullIntegration(t *testing.T) {
	_, addr := startHost(t, server.WithWriteChunks(1, 0))
	logger := zaptest.NewLogger(t)

	c, err := client.NewClient(registry.NewStaticRegistry(addr), loadbalance.NewConsistentHashBalancer(),
		client.WithLogger(logger),
		client.WithMiddleware(
			middleware.LoggingMiddleware(logger),
			middleware.ThrottleMiddleware(1000, 10),
			middleware.TimeOutMiddleware(5*time.Second),
		))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	rt, err := routing.Compute(routing.DefaultConfig())
	require.NoError(t, err)

	const swarm = 10
	for id := uint64(1); id <= swarm; id++ {
		pid, err := c.CreateNode(ctx, id, 5000+int(id), rt)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(pid), `"<0.`), string(pid))
	}

	for id := uint64(1); id <= swarm; id++ {
		raw, err := c.FetchRoutingTable(ctx, id)
		require.NoError(t, err)
		var table []string
		require.NoError(t, json.Unmarshal(raw, &table))
		// 8 in the big bin plus 3 small bins of 3, capped by the 9 other nodes
		require.Len(t, table, swarm-1)
		require.NotContains(t, table, routing.NewNodeID(id).Base64())
	}

	raw, err := c.FindNode(ctx, routing.NewNodeID(1), routing.NewNodeID(2))
	require.NoError(t, err)
	var found []string
	require.NoError(t, json.Unmarshal(raw, &found))
	require.Len(t, found, rt.BigBinNodeSize)
	require.Equal(t, routing.NewNodeID(2).Base64(), found[0])
}

// A bare number reply that arrives as "4" then "2" must come out as 42.
func TestFindNodeSplitNumberReply(t *testing.T) {
	svr, addr := startHost(t, server.WithWriteChunks(1, 30*time.Millisecond))
	svr.Handle("p2phun_swarm", "find_node", func(ctx context.Context, args []json.RawMessage) (any, error) {
		return 42, nil
	})

	c, err := client.NewClient(registry.NewStaticRegistry(addr), nil,
		client.WithTransportOptions(transport.WithNumberSettle(300*time.Millisecond)))
	require.NoError(t, err)
	defer c.Close()

	raw, err := c.FindNode(context.Background(), routing.NewNodeID(1), routing.NewNodeID(2))
	require.NoError(t, err)
	require.Equal(t, "42", string(raw))
}

func TestMultiHostAffinity(t *testing.T) {
	_, addr1 := startHost(t)
	_, addr2 := startHost(t)

	c, err := client.NewClient(registry.NewStaticRegistry(addr1, addr2), loadbalance.NewConsistentHashBalancer(),
		client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	rt, err := routing.DefaultConfig().Partition()
	require.NoError(t, err)

	// each node lives on one host only; routing by node id keeps finding it
	for id := uint64(1); id <= 20; id++ {
		_, err := c.CreateNode(ctx, id, 6000+int(id), rt)
		require.NoError(t, err)
	}
	for id := uint64(1); id <= 20; id++ {
		raw, err := c.FetchRoutingTable(ctx, id)
		require.NoError(t, err)
		require.NotContains(t, string(raw), `"error"`, "node %d", id)
	}
}

// TestFullIntegrationWithEtcd runs against a real etcd when P2PHUN_ETCD_ENDPOINTS is set.
func TestFullIntegrationWithEtcd(t *testing.T) {
	env := os.Getenv("P2PHUN_ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("P2PHUN_ETCD_ENDPOINTS not set")
	}
	logger := zaptest.NewLogger(t)
	reg, err := registry.NewEtcdRegistry(strings.Split(env, ","), logger)
	require.NoError(t, err)
	defer reg.Close()

	service := "p2phun-it-" + t.Name()
	startHost(t, server.WithRegistry(reg, service, ""))
	startHost(t, server.WithRegistry(reg, service, ""))

	require.Eventually(t, func() bool {
		list, err := reg.Discover(context.Background(), service)
		return err == nil && len(list) == 2
	}, 5*time.Second, 50*time.Millisecond)

	c, err := client.NewClient(reg, loadbalance.NewConsistentHashBalancer(),
		client.WithService(service),
		client.WithLogger(logger),
		client.WithMiddleware(middleware.RetryMiddleware(2, 10*time.Millisecond, logger)))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	rt, err := routing.DefaultConfig().Partition()
	require.NoError(t, err)
	for id := uint64(1); id <= 6; id++ {
		_, err := c.CreateNode(ctx, id, 7000+int(id), rt)
		require.NoError(t, err)
	}
	for id := uint64(1); id <= 6; id++ {
		raw, err := c.FetchRoutingTable(ctx, id)
		require.NoError(t, err)
		require.NotContains(t, string(raw), `"error"`)
	}
}
