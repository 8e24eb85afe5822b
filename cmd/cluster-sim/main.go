// Command cluster-sim runs a simulated compute cluster over HTTP. It
// accepts bundles from a node's relay, evaluates the circuits with the MXE
// key, signs the results with its node keys and posts them back to the
// node's callback endpoint.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/logging"
	"github.com/R3E-Network/confidential_layer/internal/middleware"
	"github.com/R3E-Network/confidential_layer/pkg/client"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

type options struct {
	listen      string
	nodeURL     string
	nodeToken   string
	adminToken  string
	apiKey      string
	epoch       uint64
	threshold   int
	nodes       int
	nodeKeys    []string
	mxeSecret   string
	workers     int
	delay       time.Duration
	callbackTTL time.Duration
	register    bool
	logLevel    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "cluster-sim",
		Short:        "Simulated compute cluster for a confidential node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", ":9000", "gateway listen address")
	f.StringVar(&opts.nodeURL, "node-url", "http://127.0.0.1:8080", "node API base URL for callbacks")
	f.StringVar(&opts.nodeToken, "node-token", os.Getenv("CLUSTER_NODE_TOKEN"), "bearer token with the cluster role on the node")
	f.StringVar(&opts.adminToken, "admin-token", os.Getenv("CLUSTER_ADMIN_TOKEN"), "bearer token with the admin role, used by --register")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("CLUSTER_API_KEY"), "key the node's relay must present")
	f.Uint64Var(&opts.epoch, "epoch", 1, "signing epoch")
	f.IntVar(&opts.threshold, "threshold", 2, "signatures per result")
	f.IntVar(&opts.nodes, "nodes", 3, "number of generated node keys when --node-key is not given")
	f.StringSliceVar(&opts.nodeKeys, "node-key", nil, "hex BIP340 secret key, repeatable; node indexes start at 1")
	f.StringVar(&opts.mxeSecret, "mxe-secret", os.Getenv("CLUSTER_MXE_SECRET_KEY"), "hex X25519 MXE secret key; generated when empty")
	f.IntVar(&opts.workers, "workers", 4, "concurrent computations")
	f.DurationVar(&opts.delay, "delay", 0, "artificial delay before each computation")
	f.DurationVar(&opts.callbackTTL, "callback-timeout", time.Minute, "how long to retry a callback")
	f.BoolVar(&opts.register, "register", false, "register the signing set with the node on start")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func run(parent context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New(logger.LoggingConfig{Level: opts.logLevel, Format: "text", Output: "stderr"}).Named("cluster-sim")

	signers, err := buildSigners(opts)
	if err != nil {
		return err
	}
	mxe, err := buildMXE(opts.mxeSecret)
	if err != nil {
		return err
	}

	sink := cluster.NewHTTPCallbackSink(opts.nodeURL, opts.nodeToken, opts.callbackTTL)
	sim, err := cluster.NewSimulator(cluster.SimulatorConfig{
		Epoch:     opts.epoch,
		Threshold: opts.threshold,
		Signers:   signers,
		MXE:       mxe,
		Workers:   opts.workers,
		Delay:     opts.delay,
	}, sink, log)
	if err != nil {
		return err
	}

	clusterCfg := sim.ClusterConfig()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(clusterCfg); err != nil {
		return err
	}

	if opts.register {
		node := client.New(client.Config{BaseURL: opts.nodeURL, Token: opts.adminToken, Timeout: 10 * time.Second})
		if _, err := node.ConfigureCluster(ctx, clusterCfg); err != nil {
			return fmt.Errorf("register signing set: %w", err)
		}
		log.WithField("node", opts.nodeURL).Info("signing set registered with node")
	}

	var handler http.Handler = cluster.NewGatewayHandler(sim)
	if opts.apiKey != "" {
		auth := middleware.NewAuthMiddleware(nil, []middleware.StaticToken{{Token: opts.apiKey, Role: middleware.RoleCluster}},
			logging.FromLogger(log), []string{"/healthz"})
		handler = auth.Handler(handler)
	}

	if err := sim.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", opts.listen).WithField("mxe_public_key", hex.EncodeToString(mxe.Public[:])).Info("cluster gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if stopErr := sim.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func buildSigners(opts *options) ([]cluster.NodeSigner, error) {
	var signers []cluster.NodeSigner
	if len(opts.nodeKeys) > 0 {
		for i, key := range opts.nodeKeys {
			s, err := cluster.ParseNodeSigner(uint16(i+1), key)
			if err != nil {
				return nil, err
			}
			signers = append(signers, s)
		}
		return signers, nil
	}
	for i := 1; i <= opts.nodes; i++ {
		s, err := cluster.GenerateNodeSigner(uint16(i))
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, nil
}

func buildMXE(secretHex string) (sealing.KeyPair, error) {
	if secretHex == "" {
		return sealing.GenerateKeyPair(nil)
	}
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != sealing.KeySize {
		return sealing.KeyPair{}, fmt.Errorf("mxe secret must be %d hex-encoded bytes", sealing.KeySize)
	}
	var secret [sealing.KeySize]byte
	copy(secret[:], raw)
	return sealing.KeyPairFromSecret(secret)
}
