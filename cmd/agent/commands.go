package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"studyagent/internal/agent"
	"studyagent/internal/app"
)

const stopTimeout = 15 * time.Second

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			var (
				reason app.StopReason
				runErr error
			)
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
				runErr = a.Err()
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			return runErr
		},
	}
}

func syncCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the calendar feeds once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, *cfgPath, agent.TaskSync)
		},
	}
}

func checkCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Reconcile pending records and send notifications once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, *cfgPath, agent.TaskCheck)
		},
	}
}

func runOnce(cmd *cobra.Command, cfgPath, task string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.RunOnce(ctx, task); err != nil {
		return fmt.Errorf("%s: %w", task, err)
	}
	st := a.Agent().Status()
	fmt.Fprintf(cmd.OutOrStdout(), "%s ok (notifications sent: %d)\n", task, st.NotificationsSent)
	return nil
}

func profileCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage local user profiles (sqlite store only)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <email>",
		Short: "Register a user so the agent can create assignments for them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.AddProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})
	return cmd
}
