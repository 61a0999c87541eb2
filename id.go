package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"hollowpeer/crypto"
	"hollowpeer/storage"
)

type identityInfo struct {
	PeerID      string `json:"peerId"`
	Fingerprint string `json:"fingerprint"`
	DataDir     string `json:"dataDir"`
}

func newIDCmd() *cobra.Command {
	var (
		asJSON bool
		reset  bool
	)
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer id, creating the identity if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			if reset {
				if err := env.store.Delete(storage.NamespacePrivateKey); err != nil {
					return fmt.Errorf("reset identity: %w", err)
				}
				env.logger.Warn("identity reset, friends will no longer recognise this node")
			}
			identity, err := crypto.LoadOrCreateIdentity(env.store, env.logger)
			if err != nil {
				return err
			}
			fingerprint, err := crypto.KeyFingerprint(identity.PrivateKey.GetPublic())
			if err != nil {
				return err
			}

			info := identityInfo{
				PeerID:      identity.PeerID.String(),
				Fingerprint: crypto.FormatFingerprint(fingerprint),
				DataDir:     env.dataDir,
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, _ = fmt.Fprintf(out, "Peer ID:         %s\n", info.PeerID)
			_, _ = fmt.Fprintf(out, "Fingerprint:     %s\n", info.Fingerprint)
			_, _ = fmt.Fprintf(out, "Data Directory:  %s\n", info.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().BoolVar(&reset, "reset", false, "Discard the stored key and generate a new identity")
	return cmd
}
