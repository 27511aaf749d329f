package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"covidbot/internal/app"
	"covidbot/internal/delivery"
)

var cfgPath string

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "covidbot",
		Short:         "Daily COVID-19 reports for subscribed districts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(runCmd(), sendReportsCmd(), messageCmd(), subscribeCmd(), importCmd(), statsCmd(), userCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// withApp builds the app, runs fn and closes the app again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Answer commands and send scheduled reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				err := a.Run(ctx)
				if delivery.IsFatal(err) {
					return exitError{code: 2, err: err}
				}
				return err
			})
		},
	}
}

func sendReportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-reports",
		Short: "Deliver all pending daily reports once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.SendReports(ctx)
				printSummary(cmd.OutOrStdout(), res)
				if delivery.IsFatal(err) {
					return exitError{code: 2, err: err}
				}
				return err
			})
		},
	}
}

func messageCmd() *cobra.Command {
	var (
		text string
		to   []string
	)
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Broadcast an HTML message to all or selected users",
		Long:  "Broadcast an HTML message. Without --text the message is read from stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if text == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(b)
			}
			recipients := make([]delivery.Recipient, 0, len(to))
			for _, r := range to {
				if r = strings.TrimSpace(r); r != "" {
					recipients = append(recipients, delivery.Recipient(r))
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Broadcast(ctx, strings.TrimSpace(text), recipients)
				printSummary(cmd.OutOrStdout(), res)
				if delivery.IsFatal(err) {
					return exitError{code: 2, err: err}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", "", "message text (HTML)")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient chat ids (default: all activated users)")
	return cmd
}

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <chat-id> <rs>",
		Short: "Add a district subscription for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rs must be a number: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				added, err := a.Subscribe(ctx, delivery.Recipient(args[0]), rs)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s to %d\n", args[0], rs)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already subscribed to %d\n", args[0], rs)
				}
				return nil
			})
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-data <file|->",
		Short: "Import district figures from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				districts, rows, err := a.ImportData(ctx, r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d districts, %d data rows\n", districts, rows)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Statistics(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "users: %d\nmean subscriptions: %.2f\nmax subscriptions: %d\n",
					st.Users, st.MeanSubscriptions, st.MaxSubscriptions)
				for i, d := range st.Top {
					fmt.Fprintf(w, "%2d. %s (%d) %d\n", i+1, d.Name, d.RS, d.Count)
				}
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	for _, on := range []bool{true, false} {
		name, short := "enable", "Reactivate a user"
		if !on {
			name, short = "disable", "Deactivate a user; their data is kept"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   name + " <chat-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.SetActivated(ctx, delivery.Recipient(args[0]), on); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", name, args[0])
					return nil
				})
			},
		})
	}
	return cmd
}

func printSummary(w io.Writer, res delivery.Result) {
	s := res.Summary
	fmt.Fprintf(w, "sent=%d blocked=%d migrated=%d transient=%d fatal=%d skipped=%d\n",
		s.Sent, s.Blocked, s.Migrated, s.Transient, s.Fatal, res.Skipped)
}
