package main

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var (
	completeData string
	operator     string
)

var completeCmd = &cobra.Command{
	Use:   "complete <context-id>",
	Short: "Complete a context waiting at a manual-state node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]any
		if err := sonic.Unmarshal([]byte(completeData), &data); err != nil {
			return fmt.Errorf("--data: %w", err)
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			fc, err := s.engine.FindByID(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.engine.Complete(ctx, args[0], data, operator); err != nil {
				return err
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			return printTrace(ctx, cmd.OutOrStdout(), s.engine, fc.TraceID)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <context-id>",
	Short: "Re-enter a pending, errored or recovery context at its node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			fc, err := s.engine.FindByID(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.engine.Resume(ctx, args[0]); err != nil {
				return err
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			return printTrace(ctx, cmd.OutOrStdout(), s.engine, fc.TraceID)
		})
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <trace-id>",
	Short: "Terminate every live context of a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			n, err := s.engine.Terminate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminated %d contexts of trace %s\n", n, args[0])
			return nil
		})
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace <trace-id>",
	Short: "Print every context of a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return printTrace(ctx, cmd.OutOrStdout(), s.engine, args[0])
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resume every persisted PENDING context of the registered flows",
	Long: `Recover re-enters contexts left PENDING by a crashed process and waits
until the graphs are idle. Run it before new work is submitted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			n, err := s.engine.Recover(ctx)
			if err != nil {
				return err
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d contexts\n", n)
			return nil
		})
	},
}

func init() {
	completeCmd.Flags().StringVarP(&completeData, "data", "d", "{}", "Business data to merge, as a JSON object")
	completeCmd.Flags().StringVar(&operator, "operator", "", "Who completed the task")
}
