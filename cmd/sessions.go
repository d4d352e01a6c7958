package cmd

import (
	"fmt"
	"os"

	"github.com/dkeye/podcast/internal/adapters/sessionapi"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/spf13/cobra"
)

var authToken string

func apiClient() *sessionapi.Client {
	return sessionapi.New(cfg.APIURL, authToken, cfg.WriteTimeout*2)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its invite key",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		room, err := apiClient().Create(cmd.Context(), title)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "room %s\ninvite %s\n", room.ID, room.InviteKey)
		return nil
	},
}

var endCmd = &cobra.Command{
	Use:   "end <roomId>",
	Short: "End a session for every participant (host only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().End(cmd.Context(), domain.RoomID(args[0])); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "session ended")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{createCmd, endCmd, joinCmd} {
		c.Flags().StringVar(&authToken, "token", os.Getenv("PODCAST_TOKEN"), "bearer token")
	}
	createCmd.Flags().String("title", "Untitled podcast", "session title")
}
