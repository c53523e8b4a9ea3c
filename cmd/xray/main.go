package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "xray",
		Short:         "Record, inspect and compare decision trails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("db", "", "read and write a local sqlite file instead of the collector")
	RegisterCommands(root)
	return root
}

func RegisterCommands(root *cobra.Command) {
	root.AddCommand(NewDemoCommand())
	root.AddCommand(NewGetCommand())
	root.AddCommand(NewListCommand())
	root.AddCommand(NewSearchCommand())
	root.AddCommand(NewDiffCommand())
}
