package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vhskeelz/skeelzdb/internal/offers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	skeelzCommand := newCommand(globalFlags)

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRecordCommand(skeelzCommand),
		createLoadCommand(skeelzCommand),
		createSalesforceCommand(skeelzCommand),
		createMailingListCommand(skeelzCommand),
		createOffersCommand(skeelzCommand),
		createServeCommand(skeelzCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "skeelzdb",
		Short: "Idempotent ETL and CRM sync for the skeelz recruitment data",
		Long: `skeelzdb loads exported data into the relational store and keeps
Salesforce, mailing lists and offer mailings in sync with it. Every sync
command is recorded as a run in processing_record.

Examples:
  skeelzdb load
  skeelzdb salesforce sync company_account --limit=10
  skeelzdb mailing-list sender --only-emails=a@example.com
  skeelzdb offers send interested --dry-run
  skeelzdb record last --name=salesforce_sync`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	cmd.Flags().StringVar(&f.ID, "id", "", "process id of the recorded run (default: random uuid)")
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err)
		}
	}
}

// createRecordCommand creates the record command with its subcommands
func createRecordCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Inspect and write run records",
		Long: `Start, log and finish runs of external jobs, and query run history.

Examples:
  id=$(skeelzdb record start --name=extract)
  skeelzdb record log --name=extract --id=$id --message="downloaded 3 files"
  skeelzdb record finish --name=extract --id=$id --status=success
  skeelzdb record stalled --older-than=6h`,
	}
	cmd.AddCommand(
		createRecordStartCommand(c),
		createRecordLogCommand(c),
		createRecordFinishCommand(c),
		createRecordLastCommand(c),
		createRecordStalledCommand(c),
		createRecordClearLogsCommand(c),
		createRecordDropCommand(c),
	)
	return cmd
}

func createRecordStartCommand(c command) *cobra.Command {
	flags := &RecordStartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordStart(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	cmd.Flags().StringVar(&flags.ID, "id", "", "process id (default: random uuid)")
	mustRequire(cmd, "name")
	return cmd
}

func createRecordLogCommand(c command) *cobra.Command {
	flags := &RecordLogFlags{}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append a line to a run log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordLog(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	cmd.Flags().StringVar(&flags.ID, "id", "", "process id (required)")
	cmd.Flags().StringVar(&flags.Message, "message", "", "log line (required)")
	mustRequire(cmd, "name", "id", "message")
	return cmd
}

func createRecordFinishCommand(c command) *cobra.Command {
	flags := &RecordFinishFlags{}
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Finish a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordFinish(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	cmd.Flags().StringVar(&flags.ID, "id", "", "process id (required)")
	cmd.Flags().StringVar(&flags.Status, "status", "success", "terminal status: success or failed")
	mustRequire(cmd, "name", "id")
	return cmd
}

func createRecordLastCommand(c command) *cobra.Command {
	flags := &RecordLastFlags{}
	cmd := &cobra.Command{
		Use:   "last",
		Short: "Print when the last run of a process finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordLast(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	cmd.Flags().BoolVar(&flags.Success, "success", false, "only consider successful runs")
	mustRequire(cmd, "name")
	return cmd
}

func createRecordStalledCommand(c command) *cobra.Command {
	flags := &RecordStalledFlags{}
	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List runs that started long ago and never finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordStalled(cmd.Context(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.OlderThan, "older-than", 24*time.Hour, "minimum run age")
	return cmd
}

func createRecordClearLogsCommand(c command) *cobra.Command {
	flags := &RecordClearLogsFlags{}
	cmd := &cobra.Command{
		Use:   "clear-logs",
		Short: "Delete old run log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordClearLogs(cmd.Context(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.OlderThan, "older-than", 30*24*time.Hour, "delete lines older than this")
	return cmd
}

func createRecordDropCommand(c command) *cobra.Command {
	flags := &RecordDropFlags{}
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop the run record tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RecordDrop(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "confirm dropping all run history")
	return cmd
}

// createLoadCommand creates the load subcommand
func createLoadCommand(c command) *cobra.Command {
	flags := &LoadFlags{}
	cmd := &cobra.Command{
		Use:   "load [table]",
		Short: "Replace store tables with exported CSV files",
		Long: `Load <loader.dir>/<table>.csv into the store for every configured table,
or only the named one. Each table is swapped in one transaction.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			if len(args) > 0 {
				f.Table = args[0]
			}
			return c.Load(cmd.Context(), f)
		},
	}
	addRunFlags(cmd, &flags.RunFlags)
	return cmd
}

// createSalesforceCommand creates the salesforce command
func createSalesforceCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "salesforce",
		Short: "Salesforce synchronization",
	}
	flags := &SalesforceSyncFlags{}
	sync := &cobra.Command{
		Use:   "sync [category...]",
		Short: "Push changed store rows to Salesforce",
		Long: `Reconcile every configured category, or only the named ones, against
Salesforce. Unchanged rows cost no remote call.

Examples:
  skeelzdb salesforce sync
  skeelzdb salesforce sync candidate_contact --only-ids=12,14 --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.Categories = args
			return c.SalesforceSync(cmd.Context(), f)
		},
	}
	sync.Flags().BoolVar(&flags.DryRun, "dry-run", false, "look up remote records but write nothing")
	sync.Flags().StringSliceVar(&flags.OnlyIDs, "only-ids", nil, "only sync these local ids (comma-separated)")
	sync.Flags().IntVar(&flags.Limit, "limit", 0, "stop after this many rows (0: no limit)")
	addRunFlags(sync, &flags.RunFlags)
	cmd.AddCommand(sync)
	return cmd
}

// createMailingListCommand creates the mailing-list command
func createMailingListCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailing-list",
		Short: "Mailing list synchronization",
	}
	for _, provider := range []string{"smoove", "sender"} {
		flags := &MailingListFlags{Provider: provider}
		sub := &cobra.Command{
			Use:   provider,
			Short: "Subscribe new or changed candidates to " + provider,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.MailingList(cmd.Context(), *flags)
			},
		}
		sub.Flags().StringVar(&flags.OnlyEmails, "only-emails", "", "only sync these addresses (comma-separated)")
		sub.Flags().IntVar(&flags.Limit, "limit", 0, "stop after this many subscriptions (0: no limit)")
		addRunFlags(sub, &flags.RunFlags)
		cmd.AddCommand(sub)
	}
	return cmd
}

// createOffersCommand creates the offers command
func createOffersCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Candidate offer mailings",
	}
	flags := &OffersSendFlags{}
	send := &cobra.Command{
		Use:       "send <type>",
		Short:     "Mail pending candidate offers",
		Long:      "Group pending offers of a mailing type and mail each group once.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: offerTypeNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.Type = args[0]
			return c.OffersSend(cmd.Context(), f)
		},
	}
	send.Flags().BoolVar(&flags.DryRun, "dry-run", false, "write the groups to a CSV file instead of mailing")
	addRunFlags(send, &flags.RunFlags)
	cmd.AddCommand(send)
	return cmd
}

func offerTypeNames() []string {
	out := make([]string, len(offers.Types))
	for i, t := range offers.Types {
		out[i] = string(t)
	}
	return out
}

// createServeCommand creates the serve subcommand
func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run record API and metrics over HTTP",
		Long: `Serve a read-only HTTP API over run records plus Prometheus metrics.

Examples:
  skeelzdb serve
  skeelzdb serve --listen=:9090 --base-path=/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default from [server].listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "URL prefix (default from [server].base_path)")
	return cmd
}
