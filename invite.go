package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hollowpeer/crypto"
	"hollowpeer/friends"
	"hollowpeer/models"
)

func newInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create or inspect invitation codes",
	}
	cmd.AddCommand(newInviteCreateCmd())
	cmd.AddCommand(newInviteDecodeCmd())
	return cmd
}

// newInviteCreateCmd issues an invitation while the node is offline. The code
// carries no addresses, so the redeeming peer has to find us through the DHT.
func newInviteCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> [peer-id]",
		Short: "Create an invitation for a friend",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			identity, err := crypto.LoadOrCreateIdentity(env.store, env.logger)
			if err != nil {
				return err
			}

			manager := friends.NewManager(identity.PeerID.String(), nil, env.store, nil, friends.Options{
				Nickname: env.cfg.PlayerName,
				Logger:   env.logger,
			})
			defer manager.Close()

			encoded, err := manager.CreateInvitation(args[0], optionalArg(args, 1))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

func newInviteDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <invitation>",
		Short: "Print the contents of an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := models.DecodeInvitation(args[0])
			if err != nil {
				return err
			}

			view := struct {
				models.Invitation
				Created string `json:"created,omitempty"`
			}{Invitation: inv}
			if inv.CreatedAt > 0 {
				view.Created = time.UnixMilli(inv.CreatedAt).UTC().Format(time.RFC3339)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}
