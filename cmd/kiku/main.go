// Kiku is a conversational companion with long-term memory.
//
// It serves a websocket and HTTP API for chat clients and a CLI for
// one-shot questions and memory inspection. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	kiku serve                   Start the API server
//	kiku init [dir]              Initialize a working directory with defaults
//	kiku ask <message>           Send one message and stream the reply
//	kiku recall <query>          Search a user's long-term memory
//	kiku history                 Print a user's conversation history
//	kiku version                 Print version and build information
//	kiku -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/kiku/internal/api"
	"github.com/nugget/kiku/internal/buildinfo"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/memory"
	"github.com/nugget/kiku/internal/orchestrator"
)

// defaultUser is the user the CLI talks as when --user is not given.
const defaultUser = "local"

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // "text" (default) or "json"
}

// run is the real entry point for the kiku command. The command tree is
// built fresh on every call so no flag state leaks between invocations,
// which lets tests call run concurrently.
//
// Structured logs from serve go to stdout; the one-shot commands log to
// stderr so stdout carries only their result. run returns nil on clean
// shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "kiku",
		Short:         "Conversational companion with long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newServeCmd(flags, stdout),
		newInitCmd(stdout),
		newAskCmd(flags, stdout, stderr),
		newRecallCmd(flags, stdout, stderr),
		newHistoryCmd(flags, stdout, stderr),
		newVersionCmd(flags, stdout),
	)
	return root
}

func newVersionCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(stdout, flags.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with defaults (default: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(stdout, dir)
		},
	}
}

func newAskCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message as a user and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, flags, user, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User to talk as")
	return cmd
}

// runAsk handles "kiku ask". The message goes through the same
// coordinator the server uses, so it lands in the user's history and
// any topic shift it causes is archived before the command returns.
func runAsk(ctx context.Context, stdout, stderr io.Writer, flags *globalFlags, user, text string) (err error) {
	a, err := openApp(ctx, flags.configPath, stderr)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()

	var streamed bool
	turn, err := a.registry.OnUserMessage(ctx, user, text, func(chunk string) {
		if chunk == llm.StreamEnd || flags.output == "json" {
			return
		}
		streamed = true
		fmt.Fprint(stdout, chunk)
	})
	if streamed {
		fmt.Fprintln(stdout)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if flags.output == "json" {
		return writeJSON(stdout, api.MessageResponse{
			Reply:     turn.Reply,
			Model:     turn.Model,
			RequestID: turn.RequestID,
		})
	}
	return nil
}

func newRecallCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		user string
		k    int
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search a user's long-term memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), flags.configPath, stderr)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			records, err := a.registry.Recall(cmd.Context(), user, strings.Join(args, " "), k)
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}
			if flags.output == "json" {
				if records == nil {
					records = []memory.Record{}
				}
				return writeJSON(stdout, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(stdout, "No memories found.")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(stdout, "#%d  %.3f  [%s]  %s\n", r.ID, r.Similarity, strings.Join(r.Tags, ", "), r.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(stdout, "    %s\n", r.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User whose memory to search")
	cmd.Flags().IntVarP(&k, "limit", "k", 0, "Maximum memories to return (default: memory.recall_k)")
	return cmd
}

func newHistoryCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a user's conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !orchestrator.ValidUser(user) {
				return fmt.Errorf("%w: %q", orchestrator.ErrInvalidUser, user)
			}
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			users, err := openUserData(cfg, newLogger(stderr, cfg))
			if err != nil {
				return err
			}
			defer users.Close()

			msgs, err := users.History(user).Load()
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			if flags.output == "json" {
				return writeJSON(stdout, msgs)
			}
			for _, m := range msgs {
				fmt.Fprintf(stdout, "%s: %s\n", m.Role, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", defaultUser, "User whose history to print")
	return cmd
}

func newServeCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stdout, flags.configPath)
		},
	}
}

// runServe handles "kiku serve". It opens the shared services, starts
// the API server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests; open websockets finish
//     their current turn and are closed. Requests never see the signal
//     cancellation itself.
//  3. Every user's coordinator is closed, which waits for queued
//     archival to finish
//  4. The user database is closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) (err error) {
	a, err := openApp(ctx, configPath, stdout)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()

	logger := a.logger
	logger.Info("starting Kiku", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.registry, a.router, logger)
	monitor := a.watchProviders(ctx)
	defer monitor.Stop()
	server.SetProviderHealth(monitor)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	// Start blocks until the server is shut down (via context
	// cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Kiku stopped")
	return nil
}

// writeJSON writes v to w as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
