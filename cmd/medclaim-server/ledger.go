package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/medclaim/medclaim/internal/config"
	"github.com/medclaim/medclaim/internal/domain/registry"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the registry ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the ledger from genesis and check the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, _ *config.Config, s *storage) error {
				return verifyLedger(ctx, s.journal, os.Stdout)
			})
		},
	})

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Print ledger events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			return withStorage(func(ctx context.Context, _ *config.Config, s *storage) error {
				return printEvents(ctx, s.journal, from, limit, os.Stdout)
			})
		},
	}
	eventsCmd.Flags().Uint64("from", 0, "First sequence number to print")
	eventsCmd.Flags().Int("limit", 0, "Maximum number of events (0 prints all)")
	cmd.AddCommand(eventsCmd)

	return cmd
}

// withStorage opens the configured ledger backend for a one-shot command.
func withStorage(fn func(ctx context.Context, cfg *config.Config, s *storage) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openStorage(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, cfg, s)
}

func verifyLedger(ctx context.Context, j registry.Journal, w io.Writer) error {
	height, head, err := registry.VerifyJournal(ctx, j)
	if err != nil {
		fmt.Fprintf(w, "ledger INVALID after %d event(s): %v\n", height, err)
		return err
	}
	if height == 0 {
		fmt.Fprintln(w, "ledger is empty")
		return nil
	}
	fmt.Fprintf(w, "ledger OK: %d event(s), head %s\n", height, head.Hex())
	return nil
}

var errEnoughEvents = errors.New("limit reached")

func printEvents(ctx context.Context, j registry.Journal, from uint64, limit int, w io.Writer) error {
	enc := json.NewEncoder(w)
	n := 0
	err := j.Replay(ctx, from, func(evt *registry.Event) error {
		if limit > 0 && n >= limit {
			return errEnoughEvents
		}
		n++
		return enc.Encode(evt)
	})
	if errors.Is(err, errEnoughEvents) {
		return nil
	}
	return err
}
