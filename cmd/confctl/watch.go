package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/pkg/client"
)

func newWatchCmd(g *globalOptions) *cobra.Command {
	var (
		after     uint64
		requestID uint64
		keyHex    string
		until     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the node's event log",
		Long: `Follow the node's event log over a websocket. With --key, emitted
results are unsealed with the caller key used for submission.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c := g.client()
			var sess *client.Session
			if keyHex != "" {
				var err error
				if sess, err = session(ctx, c, keyHex); err != nil {
					return err
				}
			}
			w := cmd.OutOrStdout()
			opts := client.StreamOptions{
				After:     after,
				RequestID: requestID,
				Replay:    cmd.Flags().Changed("after") || until,
			}
			err := c.Stream(ctx, opts, func(e computation.LogEntry) error {
				fmt.Fprintln(w, describe(e, sess))
				terminal := e.Kind == computation.EventComputationEmitted || e.Kind == computation.EventComputationAborted
				if until && requestID != 0 && terminal {
					return client.ErrStopStream
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "replay entries after this sequence number first")
	cmd.Flags().Uint64Var(&requestID, "request", 0, "only show entries for this request id")
	cmd.Flags().StringVar(&keyHex, "key", "", "caller X25519 secret key (hex) to unseal results")
	cmd.Flags().BoolVar(&until, "until-resolved", false, "replay the log and exit once the --request id is emitted or aborted")
	return cmd
}

func describe(e computation.LogEntry, sess *client.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", e.Seq, e.CreatedAt.Format("15:04:05.000"), e.Kind)
	if e.Circuit != "" {
		fmt.Fprintf(&b, " circuit=%s", e.Circuit)
	}
	if e.RequestID != 0 {
		fmt.Fprintf(&b, " request=%d", e.RequestID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Result == nil {
		return b.String()
	}
	if sess == nil {
		for _, f := range e.Result.Fields {
			fmt.Fprintf(&b, " %s=<sealed>", f.Name)
		}
		return b.String()
	}
	outputs, err := sess.Open(*e.Result)
	if err != nil {
		fmt.Fprintf(&b, " unseal failed: %v", err)
		return b.String()
	}
	for _, o := range outputs {
		b.WriteString(" " + o.String())
	}
	return b.String()
}
