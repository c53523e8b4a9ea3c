package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/xray-go/internal/demo"
	"github.com/animus-labs/xray-go/pkg/tracer"
)

func NewDemoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the competitor-selection pipeline and record its trails",
		Args:  cobra.NoArgs,
		RunE:  runDemo,
	}
	cmd.Flags().Int("runs", 1, "number of executions to record")
	cmd.Flags().Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	cmd.Flags().Float64("failure-rate", 0, "probability that the relevance step fails")
	cmd.Flags().Bool("skip-relevance", false, "leave out the relevance step")
	cmd.Flags().StringSlice("tag", nil, "execution tags")
	return cmd
}

func runDemo(cmd *cobra.Command, _ []string) error {
	runs, _ := cmd.Flags().GetInt("runs")
	seed, _ := cmd.Flags().GetUint64("seed")
	failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
	skip, _ := cmd.Flags().GetBool("skip-relevance")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	if runs < 1 {
		return errors.New("--runs must be >= 1")
	}
	if failureRate < 0 || failureRate > 1 {
		return errors.New("--failure-rate must be within [0,1]")
	}

	b, err := openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	cfg, err := tracer.ConfigFromEnv()
	if err != nil {
		return err
	}
	if cfg.App == tracer.DefaultConfig().App {
		cfg.App = "demo"
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tr, err := tracer.New(b, cfg, tracer.WithLogger(logger))
	if err != nil {
		return err
	}

	p := demo.New(tr, seed)
	p.FailureRate = failureRate
	p.SkipRelevance = skip
	p.Tags = tags

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	for i := 0; i < runs; i++ {
		res, err := p.Run(ctx, demo.Reference)
		selected := "none"
		if res.Selected != nil {
			selected = res.Selected.ASIN
		}
		if err != nil {
			fmt.Fprintf(out, "%s failed: %v\n", res.ExecutionID, err)
			continue
		}
		fmt.Fprintf(out, "%s selected %s\n", res.ExecutionID, selected)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := tr.Close(closeCtx); err != nil {
		return fmt.Errorf("deliver trails: %w", err)
	}
	st := tr.Stats()
	if st.Delivery.Dropped > 0 || st.Evicted > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d records dropped, %d evicted\n", st.Delivery.Dropped, st.Evicted)
	}
	return nil
}

func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution_id>",
		Short: "Print one trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			t, err := b.GetTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			b, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			execs, err := b.ListExecutions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), execs)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum executions")
	return cmd
}

func NewSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find executions whose names, steps or payloads contain text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			b, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			execs, err := b.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), execs)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum executions")
	return cmd
}

func NewDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <baseline_id> <candidate_id>",
		Short: "Compare two trails step by step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			d, err := b.Diff(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}
