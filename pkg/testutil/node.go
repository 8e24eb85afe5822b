// Package testutil starts in-process nodes for tests that talk to the
// HTTP API.
package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app"
	"github.com/R3E-Network/confidential_layer/internal/config"
)

// Node is a running in-memory node with a simulated cluster.
type Node struct {
	App *app.Application
	URL string
}

// StartNode boots a node on the memory store behind an httptest server.
// mutate, when non-nil, adjusts the default configuration first. The node
// is stopped when the test ends.
func StartNode(t testing.TB, mutate func(*config.Config)) *Node {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Runtime.RelayInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	node, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))
	srv := httptest.NewServer(node.Handler)
	t.Cleanup(func() {
		srv.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(stopCtx)
	})
	return &Node{App: node, URL: srv.URL}
}
