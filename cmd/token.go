package cmd

import (
	"fmt"
	"time"

	"github.com/dkeye/podcast/internal/adapters/relay"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/spf13/cobra"
)

var tokenFlags struct {
	sub  string
	name string
	ttl  time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := relay.NewAuth(cfg.Secret).Mint(domain.ParticipantID(tokenFlags.sub), tokenFlags.name, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.sub, "sub", "", "participant id")
	tokenCmd.Flags().StringVar(&tokenFlags.name, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
