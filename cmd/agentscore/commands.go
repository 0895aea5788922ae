package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/agentscore/internal/agentregistry"
	"github.com/mbd888/agentscore/internal/aggregator"
	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/idgen"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metrics"
	"github.com/mbd888/agentscore/internal/outcome"
	"github.com/mbd888/agentscore/internal/reasons"
	"github.com/mbd888/agentscore/internal/scoring"
	"github.com/mbd888/agentscore/internal/traces"
	"github.com/mbd888/agentscore/internal/txmetrics"
)

var (
	// errDegraded is returned under --strict when any source failed.
	errDegraded  = errors.New("one or more data sources failed")
	errUnhealthy = errors.New("one or more upstreams are unhealthy")
)

// offline marks commands that run without wired services.
const offline = "offline"

func newRootCmd(load appLoader) *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:          "agentscore",
		Short:        "Trust scores for autonomous payment agents",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[offline] != "" {
				return nil
			}
			ctx := logging.WithRequestID(cmd.Context(), idgen.WithPrefix(idgen.RunPrefix))
			var err error
			if a, err = load(ctx); err != nil {
				return err
			}
			cmd.SetContext(logging.WithLogger(ctx, a.logger))
			logging.L(cmd.Context(), nil).Debug("command started", "command", cmd.Name(), "args", args)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a == nil {
				return nil
			}
			return a.Close(cmd.Context())
		},
	}

	services := func() *app { return a }
	root.AddCommand(
		newScoreCmd(services),
		newMetricsCmd(services),
		newTransactionsCmd(services),
		newProfileCmd(services),
		newDoctorCmd(services),
		newReasonsCmd(),
	)
	return root
}

type chainFlag struct {
	value string
}

func (f *chainFlag) parse() (chain.Chain, error) {
	if f.value == "" {
		return "", nil
	}
	return chain.Parse(f.value)
}

// resolve returns the flag's chain or the chain detected from addr.
func (f *chainFlag) resolve(addr string) (chain.Chain, error) {
	c, err := f.parse()
	if err != nil || c != "" {
		return c, err
	}
	return chain.Detect(strings.TrimSpace(addr))
}

type scoreOutput struct {
	Address    string              `json:"address"`
	Chain      chain.Chain         `json:"chain,omitempty"`
	Status     string              `json:"status"`
	Warnings   []string            `json:"warnings,omitempty"`
	Score      scoring.Result      `json:"score"`
	Reasons    []reasons.Info      `json:"reasons,omitempty"`
	Data       *scoring.AgentData  `json:"data,omitempty"`
	Violations []scoring.Violation `json:"violations,omitempty"`
}

func newScoreCmd(services func() *app) *cobra.Command {
	var (
		cf          chainFlag
		otherWallet string
		explain     bool
		showData    bool
		strict      bool
	)
	cmd := &cobra.Command{
		Use:   "score <address>",
		Short: "Compute the 300-850 trust score of an agent wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := services()
			c, err := cf.parse()
			if err != nil {
				return err
			}

			ctx, span := traces.StartSpan(cmd.Context(), "cli.score", traces.AgentAddr(args[0]))
			agg := a.aggregator.Aggregate(ctx, aggregator.Request{
				Address:     args[0],
				Chain:       c,
				OtherWallet: otherWallet,
			})
			result := a.calculator.Calculate(agg.Value)
			span.SetAttributes(traces.Score(result.Score))
			traces.End(span, agg.Err())
			metrics.ObserveScore(result.Score, string(result.Grade))

			out := scoreOutput{
				Address:  args[0],
				Chain:    c,
				Status:   agg.Status.String(),
				Warnings: warnings(agg.Errs),
				Score:    result,
			}
			if detected, err := cf.resolve(args[0]); err == nil {
				out.Chain = detected
			}
			if explain {
				out.Reasons = result.Reasons()
			}
			if showData {
				out.Data = &agg.Value
				out.Violations = scoring.Validate(agg.Value)
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return strictErr(strict, agg.Status)
		},
	}
	cmd.Flags().StringVar(&cf.value, "chain", "", "chain of the address (base or solana); detected when empty")
	cmd.Flags().StringVar(&otherWallet, "other-wallet", "", "wallet of the same agent on the other chain")
	cmd.Flags().BoolVar(&explain, "explain", false, "include reason code descriptions")
	cmd.Flags().BoolVar(&showData, "data", false, "include the aggregated agent data")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any data source failed")
	return cmd
}

func newMetricsCmd(services func() *app) *cobra.Command {
	var (
		cf          chainFlag
		otherWallet string
	)
	cmd := &cobra.Command{
		Use:   "metrics <address>",
		Short: "Show payment metrics of a wallet, or of both wallets of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.resolve(args[0])
			if err != nil {
				return err
			}
			a := services()
			if otherWallet == "" {
				res := a.metrics.Resolve(cmd.Context(), c, args[0])
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":   res.Status.String(),
					"source":   res.Source,
					"warnings": warnings(res.Errs),
					"metrics":  res.Value,
				})
			}

			w := txmetrics.Wallets{Base: args[0], Solana: otherWallet}
			if c == chain.Solana {
				w = txmetrics.Wallets{Base: otherWallet, Solana: args[0]}
			}
			res := a.metrics.ResolveCombined(cmd.Context(), w)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"status":   res.Status.String(),
				"warnings": warnings(res.Errs),
				"metrics":  res.Value,
			})
		},
	}
	cmd.Flags().StringVar(&cf.value, "chain", "", "base or solana; detected when empty")
	cmd.Flags().StringVar(&otherWallet, "other-wallet", "", "wallet of the same agent on the other chain")
	return cmd
}

func newTransactionsCmd(services func() *app) *cobra.Command {
	var (
		cf    chainFlag
		limit int
	)
	cmd := &cobra.Command{
		Use:   "transactions <address>",
		Short: "List recent incoming payments of a wallet, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.resolve(args[0])
			if err != nil {
				return err
			}
			res := services().metrics.RecentTransactions(cmd.Context(), c, args[0], limit)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"status":       res.Status.String(),
				"source":       res.Source,
				"warnings":     warnings(res.Errs),
				"transactions": res.Value,
			})
		},
	}
	cmd.Flags().StringVar(&cf.value, "chain", "", "base or solana; detected when empty")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions")
	return cmd
}

func newProfileCmd(services func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <owner>",
		Short: "Show the registry identity, reputation and validations of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := services()
			res := outcome.Ok(agentregistry.Profile{}, agentregistry.SourceNone)
			if a.profiles != nil {
				res = a.profiles.Resolve(cmd.Context(), args[0])
			}
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"status":   res.Status.String(),
				"found":    res.Value.Found(),
				"warnings": warnings(res.Errs),
				"profile":  res.Value,
			}); err != nil {
				return err
			}
			if !res.Usable() {
				return res.Err()
			}
			return nil
		},
	}
}

func newDoctorCmd(services func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that every configured upstream is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			healthy, statuses := services().checks.CheckAll(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"healthy":   healthy,
				"upstreams": statuses,
			}); err != nil {
				return err
			}
			if !healthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

func newReasonsCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reasons",
		Short:       "List every reason code a score can carry",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{offline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), reasons.All())
		},
	}
}

func warnings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func strictErr(strict bool, s outcome.Status) error {
	if strict && s != outcome.OK {
		return errDegraded
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
