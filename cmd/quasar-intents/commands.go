package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vthunder/quasar-intents/internal/api"
	"github.com/vthunder/quasar-intents/internal/app"
	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/logging"
	"github.com/vthunder/quasar-intents/internal/mcp"
	"github.com/vthunder/quasar-intents/internal/mcp/tools"
	"github.com/vthunder/quasar-intents/internal/quasar"
)

const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync scenarios, listen for intents and serve the local API",
		Long: `Run the service: every account is authorized, synced when autosync is on and,
in websocket mode, connected to the update stream. The local HTTP API serves until
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := load(true)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if env.ha != nil {
				if err := env.ha.Ping(ctx); err != nil {
					logging.Warn("main", "Home Assistant is not reachable: %v", err)
				}
			}

			env.app.Start(ctx)

			server := api.NewServer(env.app, env.cfg.API.Listen)
			server.Start()

			// Wait for shutdown signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logging.Info("main", "Shutting down...")
			cancel()
			env.app.Stop()

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logging.Warn("main", "API shutdown: %v", err)
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		dryRun  bool
		account string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Make the cloud scenarios match the configured intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := load(!dryRun)
			if err != nil {
				return err
			}
			defer env.close()

			accounts, err := env.accounts(account)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var failed bool
			for _, ac := range accounts {
				if err := syncAccount(ctx, cmd.OutOrStdout(), ac, dryRun); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ac.Name(), err)
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("sync failed for some accounts")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without changing anything")
	cmd.Flags().StringVarP(&account, "account", "a", "", "Only this account (default: all)")
	return cmd
}

func syncAccount(ctx context.Context, w io.Writer, ac *app.Account, dryRun bool) error {
	if err := ac.Authorize(ctx); err != nil {
		return err
	}
	plan, err := ac.Plan(ctx)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	fmt.Fprintf(w, "Account %s\n", ac.Name())
	writePlan(w, plan)
	if dryRun {
		return nil
	}

	report, err := ac.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %d created, %d updated, %d failed\n", len(report.Created), len(report.Updated), len(report.Failed))
	if len(report.Failed) > 0 {
		return fmt.Errorf("failed: %s", strings.Join(report.Failed, ", "))
	}
	return nil
}

var planColors = map[quasar.Op]*color.Color{
	quasar.OpCreate: color.New(color.FgGreen),
	quasar.OpUpdate: color.New(color.FgYellow),
	quasar.OpDelete: color.New(color.FgRed),
}

// writePlan prints one colored line per planned change
func writePlan(w io.Writer, plan []quasar.PlanItem) {
	if len(plan) == 0 {
		fmt.Fprintln(w, "  (nothing to do)")
		return
	}
	for _, item := range plan {
		label := strings.ToUpper(string(item.Op))
		if c, ok := planColors[item.Op]; ok {
			label = c.Sprintf("%-6s", label)
		}
		line := fmt.Sprintf("  %s %s", label, item.Name)
		if item.RemoteID != "" {
			line += fmt.Sprintf(" (%s)", item.RemoteID)
		}
		fmt.Fprintln(w, line)
	}
}

func intentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intents",
		Short: "List the configured intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := load(false)
			if err != nil {
				return err
			}
			defer env.close()

			writeIntents(cmd.OutOrStdout(), env.app.Intents())
			return nil
		},
	}
}

// writeIntents prints id, name, trigger phrases and the encoded phrase of each intent
func writeIntents(w io.Writer, intents []*intent.Intent) {
	bold := color.New(color.Bold)
	for _, in := range intents {
		fmt.Fprintf(w, "%3d  %s\n", in.ID, bold.Sprint(in.Name))
		fmt.Fprintf(w, "     triggers: %s\n", strings.Join(in.TriggerPhrases, " | "))
		fmt.Fprintf(w, "     says:     %s\n", in.EncodedPhrase())
		if in.ExecuteCommand != nil {
			fmt.Fprintf(w, "     command:  %s\n", in.ExecuteCommand.Source())
		}
	}
}

func clearCmd() *cobra.Command {
	var (
		confirm string
		account string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every scenario of an account, including ones not created here",
		Long: fmt.Sprintf(`Delete every scenario of the account in the cloud. This cannot be undone.
Pass the confirmation text exactly:

  --confirm %q`, app.ClearConfirmation),
		RunE: func(cmd *cobra.Command, args []string) error {
			if confirm != app.ClearConfirmation {
				return app.ErrNotConfirmed
			}
			env, err := load(true)
			if err != nil {
				return err
			}
			defer env.close()

			ac, err := env.app.Account(account)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := ac.Authorize(ctx); err != nil {
				return err
			}
			n, err := ac.Clear(ctx, confirm)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d scenarios from %s\n", n, ac.Name())
			return err
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "Confirmation text")
	cmd.Flags().StringVarP(&account, "account", "a", "", "Account name")
	cmd.MarkFlagRequired("account")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve intent and scenario tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := load(true)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			for _, ac := range env.app.Accounts() {
				if err := ac.Authorize(ctx); err != nil {
					logging.Warn("main", "Account %s: %v", ac.Name(), err)
				}
			}
			return mcp.Serve(&tools.Dependencies{App: env.app}, version)
		},
	}
}
