package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/medclaim/medclaim/internal/config"
	"github.com/medclaim/medclaim/internal/domain/registry"
)

// roster lists the identities the administrator verifies in bulk.
//
//	hospitals:
//	  - 0x1111...
//	insurers:
//	  - 0x2222...
type roster struct {
	Hospitals []string `yaml:"hospitals"`
	Insurers  []string `yaml:"insurers"`
}

func parseRoster(data []byte) (*roster, error) {
	var r roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	for _, list := range [][]string{r.Hospitals, r.Insurers} {
		for _, a := range list {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("roster: %q is not an address", a)
			}
			if common.HexToAddress(a) == (common.Address{}) {
				return nil, fmt.Errorf("roster: zero address is not allowed")
			}
		}
	}
	return &r, nil
}

// applyRoster grants every missing role as the administrator. Identities that
// already hold the role are skipped.
func applyRoster(ctx context.Context, reg *registry.Registry, r *roster, w io.Writer) (int, error) {
	admin := reg.Admin()
	added := 0
	for _, a := range r.Hospitals {
		addr := common.HexToAddress(a)
		if reg.IsHospital(addr) {
			continue
		}
		if err := reg.AddHospital(ctx, admin, addr); err != nil {
			return added, fmt.Errorf("add hospital %s: %w", addr.Hex(), err)
		}
		fmt.Fprintf(w, "hospital %s added\n", addr.Hex())
		added++
	}
	for _, a := range r.Insurers {
		addr := common.HexToAddress(a)
		if reg.IsInsurer(addr) {
			continue
		}
		if err := reg.AddInsurance(ctx, admin, addr); err != nil {
			return added, fmt.Errorf("add insurer %s: %w", addr.Hex(), err)
		}
		fmt.Fprintf(w, "insurer %s added\n", addr.Hex())
		added++
	}
	return added, nil
}

func rosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage verified hospitals and insurers",
	}

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Verify every hospital and insurer listed in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			r, err := parseRoster(data)
			if err != nil {
				return err
			}

			return withStorage(func(ctx context.Context, cfg *config.Config, s *storage) error {
				reg, err := registry.Open(ctx, s.journal, cfg.Admin(),
					registry.WithLogger(newLogger(cfg)),
					registry.WithPolicy(policyFrom(cfg)),
				)
				if err != nil {
					return err
				}
				added, err := applyRoster(ctx, reg, r, os.Stdout)
				fmt.Printf("%d role grant(s), ledger height %d\n", added, reg.Height())
				return err
			})
		},
	}
	applyCmd.Flags().String("file", "", "Path to the roster YAML file")
	cmd.AddCommand(applyCmd)

	return cmd
}
