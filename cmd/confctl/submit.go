package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/cli"
	"github.com/R3E-Network/confidential_layer/pkg/client"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a caller X25519 key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := sealing.GenerateKeyPair(nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\npublic: %s\n",
				hex.EncodeToString(kp.Secret[:]), hex.EncodeToString(kp.Public[:]))
			return nil
		},
	}
}

// session builds a sealing session against the node's MXE key, from
// keyHex when given or a fresh key otherwise.
func session(ctx context.Context, c *client.Client, keyHex string) (*client.Session, error) {
	cfg, err := c.ClusterConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch cluster config: %w", err)
	}
	if keyHex == "" {
		return client.NewSession(cfg.MXEPublicKey)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil || len(raw) != sealing.KeySize {
		return nil, fmt.Errorf("caller key must be %d hex-encoded bytes", sealing.KeySize)
	}
	var secret [sealing.KeySize]byte
	copy(secret[:], raw)
	kp, err := sealing.KeyPairFromSecret(secret)
	if err != nil {
		return nil, err
	}
	return &client.Session{Caller: kp, MXE: cfg.MXEPublicKey}, nil
}

func parseValues(circuit computation.Circuit, args []string) ([]uint64, error) {
	def, err := computation.Template(circuit)
	if err != nil {
		return nil, err
	}
	want := len(def.Inputs)
	if len(args) != want {
		names := make([]string, want)
		for i, p := range def.Inputs {
			names[i] = p.Name
		}
		return nil, fmt.Errorf("%s takes %d values: %s", circuit, want, strings.Join(names, " "))
	}
	values := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.Inputs[i].Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func newSubmitCmd(g *globalOptions) *cobra.Command {
	var (
		requestID uint64
		keyHex    string
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <circuit> <value...>",
		Short: "Seal values and queue a computation",
		Example: `  confctl submit private_transfer 1000 600 100 --wait 30s
  confctl submit check_balance 500 100 --id 7 --key $CALLER_KEY`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			circuit, err := computation.ParseCircuit(args[0])
			if err != nil {
				return err
			}
			values, err := parseValues(circuit, args[1:])
			if err != nil {
				return err
			}
			c := g.client()
			sess, err := session(ctx, c, keyHex)
			if err != nil {
				return err
			}
			sub, err := sess.Submission(requestID, values...)
			if err != nil {
				return err
			}
			comp, err := c.Submit(ctx, circuit, sub)
			if err != nil {
				return err
			}
			out := cli.NewPrinter(cmd.OutOrStdout())
			out.Success("queued %s request %s", circuit, comp.ID)
			out.Field("commitment", comp.Commitment.String())
			if keyHex == "" {
				out.Field("caller_key", hex.EncodeToString(sess.Caller.Secret[:]))
			}
			if wait <= 0 {
				return nil
			}

			id, err := comp.RequestID()
			if err != nil {
				return err
			}
			spin := cli.NewSpinner(cmd.OutOrStdout(), "waiting for the cluster")
			spin.Start()
			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			comp, err = c.Await(waitCtx, id, 250*time.Millisecond)
			spin.Stop()
			if err != nil {
				return err
			}
			if comp.Status == computation.StatusAborted {
				out.Error("request %s aborted: %s", comp.ID, comp.AbortReason)
				return fmt.Errorf("request %s aborted", comp.ID)
			}
			event, err := findResult(ctx, c, id)
			if err != nil {
				return err
			}
			outputs, err := sess.Open(event)
			if err != nil {
				return err
			}
			out.Success("request %s emitted", comp.ID)
			for _, o := range outputs {
				out.Field(o.Name, valueString(o))
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&requestID, "id", 0, "request id; 0 lets the node allocate one")
	cmd.Flags().StringVar(&keyHex, "key", "", "caller X25519 secret key (hex); generated when empty")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for the result and decrypt it")
	return cmd
}

// findResult pages through the event log for the request's emitted entry.
func findResult(ctx context.Context, c *client.Client, id uint64) (computation.ResultEvent, error) {
	var after uint64
	for {
		page, err := c.Events(ctx, after, 500)
		if err != nil {
			return computation.ResultEvent{}, err
		}
		for _, e := range page {
			if e.RequestID == id && e.Kind == computation.EventComputationEmitted && e.Result != nil {
				return *e.Result, nil
			}
			after = e.Seq
		}
		if len(page) < 500 {
			return computation.ResultEvent{}, fmt.Errorf("no result event for request %d", id)
		}
	}
}

func valueString(o client.Output) string {
	if o.Kind == computation.ArgEncryptedBool {
		return strconv.FormatBool(o.Bool())
	}
	return strconv.FormatUint(o.Value, 10)
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			comp, err := g.client().Computation(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, comp)
		},
	}
}

func newReleaseCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <request-id>",
		Short: "Free a resolved request slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			if err := g.client().Release(cmd.Context(), id); err != nil {
				return err
			}
			cli.NewPrinter(cmd.OutOrStdout()).Success("released request %d", id)
			return nil
		},
	}
}
