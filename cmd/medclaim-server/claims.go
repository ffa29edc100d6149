package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/medclaim/medclaim/internal/config"
	"github.com/medclaim/medclaim/internal/domain/registry"
)

type claimLine struct {
	ID        registry.ClaimID
	RecordID  registry.RecordID
	Patient   string
	Insurer   string
	Status    registry.ClaimStatus
	DecidedAt *time.Time
}

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Claim reports",
	}

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "List claims in a given status",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			status, err := registry.ParseClaimStatus(raw)
			if err != nil {
				return err
			}

			return withStorage(func(ctx context.Context, cfg *config.Config, s *storage) error {
				lines, total, err := claimReport(ctx, s, cfg.Admin(), status, limit)
				if err != nil {
					return err
				}
				writeClaimReport(os.Stdout, status, lines, total)
				return nil
			})
		},
	}
	reportCmd.Flags().String("status", "pending", "pending, approved or rejected")
	reportCmd.Flags().Int("limit", 100, "Maximum number of claims listed")
	cmd.AddCommand(reportCmd)

	return cmd
}

// claimReport reads the Postgres claim projection when available and
// otherwise replays the ledger.
func claimReport(ctx context.Context, s *storage, admin common.Address, status registry.ClaimStatus, limit int) ([]claimLine, int, error) {
	if pg, ok := s.journal.(*registry.PGJournal); ok {
		rows, total, err := pg.ClaimsByStatus(ctx, status, limit, 0)
		if err != nil {
			return nil, 0, fmt.Errorf("query claims: %w", err)
		}
		lines := make([]claimLine, 0, len(rows))
		for _, r := range rows {
			lines = append(lines, claimLine{
				ID: r.ID, RecordID: r.RecordID, Patient: r.Patient, Insurer: r.Insurer,
				Status: r.Status, DecidedAt: r.DecidedAt,
			})
		}
		return lines, total, nil
	}

	reg, err := registry.Open(ctx, s.journal, admin)
	if err != nil {
		return nil, 0, err
	}
	claims := reg.Queries().ClaimsByStatus(status)
	return claimLinesFrom(claims, limit), len(claims), nil
}

func claimLinesFrom(claims []registry.Claim, limit int) []claimLine {
	if limit > 0 && len(claims) > limit {
		claims = claims[:limit]
	}
	lines := make([]claimLine, 0, len(claims))
	for _, c := range claims {
		lines = append(lines, claimLine{
			ID: c.ID, RecordID: c.RecordID, Patient: c.Patient.Hex(), Insurer: c.Insurer.Hex(),
			Status: c.Status, DecidedAt: c.DecidedAt,
		})
	}
	return lines
}

func writeClaimReport(w io.Writer, status registry.ClaimStatus, lines []claimLine, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLAIM\tRECORD\tPATIENT\tINSURER\tSTATUS\tDECIDED")
	for _, l := range lines {
		decided := "-"
		if l.DecidedAt != nil {
			decided = l.DecidedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", l.ID, l.RecordID, l.Patient, l.Insurer, l.Status, decided)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d %s claim(s)\n", len(lines), total, status)
}
