// Command confctl administers a confidential computation node and acts as
// a reference caller: it initializes definitions, submits sealed
// operands and watches and unseals result events.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/pkg/client"
)

type globalOptions struct {
	nodeURL string
	token   string
	timeout time.Duration
}

func (g *globalOptions) client() *client.Client {
	return client.New(client.Config{BaseURL: g.nodeURL, Token: g.token, Timeout: g.timeout})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:          "confctl",
		Short:        "Operate and call a confidential computation node",
		SilenceUsage: true,
	}
	nodeURL := os.Getenv("NODE_URL")
	if nodeURL == "" {
		nodeURL = "http://127.0.0.1:8080"
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.nodeURL, "node", nodeURL, "node API base URL ($NODE_URL)")
	pf.StringVar(&g.token, "token", os.Getenv("NODE_TOKEN"), "bearer token ($NODE_TOKEN)")
	pf.DurationVar(&g.timeout, "timeout", 15*time.Second, "per-request timeout")

	root.AddCommand(
		newInitDefinitionsCmd(g),
		newDefinitionsCmd(g),
		newClusterCmd(g),
		newKeygenCmd(),
		newSubmitCmd(g),
		newStatusCmd(g),
		newReleaseCmd(g),
		newWatchCmd(g),
		newMigrateCmd(),
	)
	return root
}
