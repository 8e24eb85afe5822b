package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/config"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Runtime.InitDefinitions = true
	cfg.Runtime.RelayInterval = 20 * time.Millisecond
	cfg.Logging.Level = "error"
	return cfg
}

func TestApplicationRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, a.Simulator)
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(stopCtx))
	}()

	defs, err := a.Registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	caller, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	nonce, err := sealing.NewNonce(nil)
	require.NoError(t, err)
	mxe := a.Simulator.ClusterConfig().MXEPublicKey
	c, err := sealing.NewCipher(caller.Secret, mxe, nonce)
	require.NoError(t, err)

	_, err = a.Dispatcher.PrivateTransfer(ctx, 11, c.SealU64(0, 1000), c.SealU64(1, 600), c.SealU64(2, 100),
		computation.EncryptionContext{PublicKey: caller.Public, Nonce: nonce})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		req, err := a.Runtime.Request(ctx, 11)
		return err == nil && req.Status == computation.StatusEmitted
	}, 5*time.Second, 10*time.Millisecond)

	entries := a.Hub.RecentByRequest(11, 1)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Result)
	event, err := entries[0].Result.AsPrivateTransfer()
	require.NoError(t, err)

	opener, err := sealing.NewCipher(caller.Secret, mxe, event.Nonce)
	require.NoError(t, err)
	valid, err := opener.OpenBool(0, event.IsValid)
	require.NoError(t, err)
	balance, err := opener.OpenU64(1, event.NewSenderBalance)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, uint64(400), balance)

	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/computations/11", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, err := http.Get("http://" + a.Server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplicationRestartsCleanlyWithoutDefinitions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.InitDefinitions = false
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	defs, err := a.Registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, defs)
	_, err = a.Runtime.ClusterConfig(context.Background())
	assert.NoError(t, err, "auto-configure registers the simulator's signing set")
}

func TestApplicationRejectsIncompleteRemoteCluster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Mode = config.ClusterModeHTTP
	cfg.Cluster.URL = "http://127.0.0.1:1"
	cfg.Cluster.Nodes = []string{"one"}

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRemoteClusterConfig(t *testing.T) {
	cfg, err := remoteClusterConfig(config.ClusterConfig{
		Epoch:        2,
		Threshold:    1,
		Nodes:        []string{"1:ABCD", " 2:ef01 "},
		MXEPublicKey: "0x" + "11111111111111111111111111111111" + "11111111111111111111111111111111",
	})
	require.NoError(t, err)
	assert.Equal(t, []computation.NodeKey{{Index: 1, PublicKey: "abcd"}, {Index: 2, PublicKey: "ef01"}}, cfg.Nodes)
	assert.Equal(t, byte(0x11), cfg.MXEPublicKey[31])

	_, err = remoteClusterConfig(config.ClusterConfig{Nodes: []string{"x:aa"}})
	assert.Error(t, err)
	_, err = remoteClusterConfig(config.ClusterConfig{MXEPublicKey: "abcd"})
	assert.Error(t, err)
}
