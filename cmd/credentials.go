package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/credential"
)

var (
	credentialsPath string
	credentialTier  string
)

func init() {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the upstream credential pool",
	}
	credsCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", config.DefaultCredentialsPath(), "Credentials JSON path")

	addCmd := &cobra.Command{
		Use:   "add <token>",
		Short: "Add a session token to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, store, err := loadPool()
			if err != nil {
				return err
			}
			st := credential.State{
				Token:          strings.TrimSpace(args[0]),
				Tier:           credential.Tier(credentialTier),
				Remaining:      credential.QuotaUnknown,
				RemainingHeavy: credential.QuotaUnknown,
			}
			if err := pool.Add(st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added credential to %s (%d total)\n", store.Path(), pool.Len())
			return nil
		},
	}
	addCmd.Flags().StringVar(&credentialTier, "tier", string(credential.TierBasic), "Credential tier (basic or super)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pool credentials and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, _, err := loadPool()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, st := range pool.Snapshot() {
				remaining := "unknown"
				if st.Remaining >= 0 {
					remaining = fmt.Sprintf("%d", st.Remaining)
				}
				line := fmt.Sprintf("%s\ttier=%s\tstatus=%s\tremaining=%s", credential.AbbrevToken(st.Token), st.Tier, st.Status, remaining)
				if st.Status == credential.StatusCooling && !st.CooldownUntil.IsZero() {
					line += fmt.Sprintf("\tcooldown_until=%s", st.CooldownUntil.Format(time.RFC3339))
				}
				fmt.Fprintln(out, line)
			}
			if pool.Len() == 0 {
				fmt.Fprintln(out, "no credentials configured")
			}
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Mark a credential revoked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, _, err := loadPool()
			if err != nil {
				return err
			}
			if err := pool.Revoke(strings.TrimSpace(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential revoked")
			return nil
		},
	}

	credsCmd.AddCommand(addCmd, listCmd, revokeCmd)
	rootCmd.AddCommand(credsCmd)
}

func loadPool() (*credential.Pool, *credential.Store, error) {
	store := credential.NewStore(credentialsPath)
	states, err := store.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := credential.NewPool(states, store.Save)
	if err != nil {
		return nil, nil, err
	}
	return pool, store, nil
}
