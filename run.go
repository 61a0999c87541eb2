package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"hollowpeer/config"
	"hollowpeer/crypto"
	"hollowpeer/friends"
	"hollowpeer/network"
	"hollowpeer/storage"
)

type nodeEnv struct {
	cfg     *config.NodeConfig
	cfgPath string
	dataDir string
	store   *storage.Store
	dbPath  string
	logger  *slog.Logger
}

func openEnv(cmd *cobra.Command) (*nodeEnv, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, cfgPath, err := config.LoadOrCreate(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd, cfg.LogLevel)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetEventRetention(cfg.EventRetention())

	return &nodeEnv{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		store:   store,
		dbPath:  dbPath,
		logger:  logger,
	}, nil
}

func (e *nodeEnv) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("database close failed", "err", err)
	}
}

func newRunCmd() *cobra.Command {
	var noConsole bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node with an interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, stop, cmd, !noConsole)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Run without reading commands from stdin")
	return cmd
}

func runNode(ctx context.Context, stop context.CancelFunc, cmd *cobra.Command, interactive bool) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.close()
	cfg := env.cfg
	logger := env.logger

	provider := network.NewProvider(env.store, network.Options{
		ListenAddrs:       cfg.ListenAddrs,
		RelayAddrs:        cfg.RelayAddrs,
		BootstrapPeers:    cfg.BootstrapPeers,
		EnableDHT:         cfg.EnableDHT,
		EnableMDNS:        cfg.EnableMDNS,
		EnableNATPortMap:  true,
		PlayerName:        cfg.PlayerName,
		DiscoveryTopic:    cfg.DiscoveryTopic,
		DiscoveryInterval: cfg.DiscoveryInterval(),
		ClientVersion:     cfg.ClientVersion,
		DialTimeout:       cfg.DialTimeout(),
		ResponseTimeout:   cfg.ResponseTimeout(),
		Logger:            logger,
	})
	identity, err := crypto.LoadOrCreateIdentity(env.store, logger)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	self := identity.PeerID.String()

	out := cmd.OutOrStdout()
	manager := friends.NewManager(self, provider, env.store, &eventLog{store: env.store, logger: logger, out: out}, friends.Options{
		Nickname:          cfg.PlayerName,
		Logger:            logger,
		RetryInterval:     cfg.RetryInterval(),
		RetryTimeout:      cfg.RetryTimeout(),
		InvitationTTL:     cfg.InvitationTTL(),
		EnforceQuarantine: cfg.EnforceQuarantine,
		Addresses:         provider.InvitationAddresses,
		AddressBook:       provider,
	})
	defer manager.Close()

	c := &console{
		manager: manager,
		send:    provider,
		peers:   provider.ConnectedPeers,
		connect: provider.Connect,
		events:  env.store.ListEvents,
		out:     out,
	}

	// Registered before Initialize: the node acks inbound messages as soon as it listens.
	manager.Router().Register(chatMethod, c.receiveChat)
	provider.OnMessage(manager.Router().HandleMessage)
	provider.OnPeerConnect(manager.HandlePeerConnect)
	provider.OnPeerDisconnect(func(_ context.Context, peerID string) error {
		logger.Debug("peer gone", "peer_id", peerID)
		return nil
	})

	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		manager.Close()
		if err := provider.Destroy(); err != nil {
			logger.Warn("node shutdown failed", "err", err)
		}
	}()
	manager.ResumePending()

	_, _ = fmt.Fprintf(out, "Peer ID:         %s\n", self)
	_, _ = fmt.Fprintf(out, "Player Name:     %s\n", manager.Nickname())
	_, _ = fmt.Fprintf(out, "Data Directory:  %s\n", env.dataDir)
	_, _ = fmt.Fprintf(out, "Config File:     %s\n", env.cfgPath)
	_, _ = fmt.Fprintf(out, "Database File:   %s\n", env.dbPath)
	for _, addr := range provider.Addrs() {
		_, _ = fmt.Fprintf(out, "Listening:       %s\n", addr)
	}
	_, _ = fmt.Fprintf(out, "Discovery:       %s\n", discoveryStatus(provider.DiscoverySubscribed(), cfg.DiscoveryTopic))
	_, _ = fmt.Fprintf(out, "Friends:         %d\n", len(manager.GetAllFriends()))

	if interactive {
		go func() {
			if err := c.run(ctx, cmd.InOrStdin()); err != nil {
				logger.Warn("console stopped", "err", err)
			}
			stop()
		}()
		_, _ = fmt.Fprintln(out, "Status:          running (type help for commands)")
	} else {
		_, _ = fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Status:          shutting down")
	return nil
}

func discoveryStatus(subscribed bool, topic string) string {
	if !subscribed {
		return "off"
	}
	return topic
}
