package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tazhate/calendarmail/config"
	"github.com/tazhate/calendarmail/internal/scheduler"
	"github.com/tazhate/calendarmail/internal/security"
	"github.com/tazhate/calendarmail/internal/storage"
)

// options holds the global flags.
type options struct {
	configPath string
	single     bool
	reminder   string
	passphrase string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

func (o *options) logger() *slog.Logger {
	return newLogger(o.stderr, o.logLevel)
}

// passphraseSource prefers the flag, then the environment, then asks on
// the terminal.
func (o *options) passphraseSource() security.PassphraseSource {
	return security.ChainPassphrase{
		security.StaticPassphrase(o.passphrase),
		security.StaticPassphrase(os.Getenv("CALENDARMAIL_PASSPHRASE")),
		security.NewTerminalPrompt(),
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "calendarmail",
		Short: "Send calendar digests on a schedule",
		Long: `calendarmail reads events from WebDAV, CalDAV and ICS calendars and sends
each configured reminder a digest of the upcoming days, either on its cron
schedule or once.`,
		Args:          noArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReminders(cmd.Context(), opts)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "f", config.DefaultPath, "configuration file")
	flags.StringVarP(&opts.passphrase, "passphrase", "p", "", "passphrase for ENC(...) values (env CALENDARMAIL_PASSPHRASE)")
	flags.StringVar(&opts.logLevel, "log-level", envOr("CALENDARMAIL_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	local := root.Flags()
	local.BoolVarP(&opts.single, "single", "s", false, "run every reminder once and exit")
	local.StringVarP(&opts.reminder, "reminder", "r", "", "run only this reminder, once")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Schedule the configured reminders (default)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReminders(cmd.Context(), opts)
		},
	}
	runCmd.Flags().AddFlagSet(local)

	root.AddCommand(runCmd, newEncryptCmd(opts), newHistoryCmd(opts), newValidateCmd(opts))
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err: err}
	}
	return nil
}

func newEncryptCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [secret]",
		Short: "Encrypt a secret into an ENC(...) configuration value",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return &usageError{err: err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				p := security.NewTerminalPrompt()
				p.Text = "Secret to encrypt: "
				s, err := p.Passphrase()
				if err != nil {
					return err
				}
				secret = s
			}
			if secret == "" {
				return &usageError{err: fmt.Errorf("nothing to encrypt")}
			}

			r := security.NewResolver(opts.passphraseSource(), opts.logger())
			value, err := r.Encrypt(secret)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit    int
		reminder string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reminder runs",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), reminder, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tREMINDER\tTRIGGER\tSTATUS\tEVENTS\tTOOK\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.In(time.Local).Format("2006-01-02 15:04:05"),
					r.Reminder, r.Trigger, r.Status, r.Events,
					r.Duration().Round(time.Millisecond), oneLine(r.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&reminder, "name", "", "only runs of this reminder")
	return cmd
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			warnings, err := cfg.Validate()
			out := cmd.OutOrStdout()
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if err != nil {
				return err
			}

			for _, rem := range cfg.ReminderDefinitions() {
				trigger, err := scheduler.BuildTrigger(rem, false)
				if err != nil {
					fmt.Fprintf(out, "warning: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "reminder %q: %s, %d days\n", rem.Name, trigger, rem.DaysInAdvance)
			}
			fmt.Fprintf(out, "%d calendars, %d reminders: ok\n", len(cfg.Calendars), len(cfg.Reminders))
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
