package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/application"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/postindex"
	"github.com/murachue/nosteen-sub000/internal/web"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Connect to the configured relays and follow the configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger.New("start")

			if cfgFile != "" {
				if abs, err := filepath.Abs(cfgFile); err == nil {
					log.Info("Using config file", zap.String("config_file", abs))
				}
			}

			node, err := application.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize the node: %w", err)
			}
			defer node.Shutdown()

			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("failed to start the node: %w", err)
			}

			for _, feed := range cfg.Feeds {
				stop, err := node.Listen(ctx, feed.Name, logNotification(log))
				if err != nil {
					return fmt.Errorf("listen %s: %w", feed.Name, err)
				}
				defer stop()
			}

			serveErr := make(chan error, 1)
			if cfg.Metrics.Enabled {
				h := web.NewHandler(node, logger.New("web"), GetVersion())
				go func() { serveErr <- web.Serve(ctx, cfg.Metrics.Addr, h) }()
			}

			log.Info("nosteen started",
				zap.Int("relays", len(cfg.Relays)),
				zap.Int("feeds", len(cfg.Feeds)))

			select {
			case <-ctx.Done():
				log.Info("Shutdown signal received")
				return nil
			case err := <-serveErr:
				return fmt.Errorf("status server: %w", err)
			}
		},
	}
}

// logNotification reports stream activity. It runs on the verification
// goroutine and only logs.
func logNotification(log *zap.Logger) func(postindex.Notification) {
	return func(n postindex.Notification) {
		switch n.Kind {
		case postindex.NotifyBatch:
			inserted := 0
			for _, c := range n.Changes {
				if c.Type == postindex.Insert {
					inserted++
				}
			}
			log.Info("Stream updated",
				zap.String("stream", n.Stream),
				zap.Int("inserted", inserted),
				zap.Int("changed", len(n.Changes)-inserted),
				zap.Int("unread", n.Unread))
		case postindex.NotifyEOSE:
			log.Info("Stream caught up", zap.String("stream", n.Stream), zap.Int("unread", n.Unread))
		default:
			log.Debug("Stream read state",
				zap.String("stream", n.Stream),
				zap.Int("unread", n.Unread),
				zap.Int("total_unread", n.TotalUnread))
		}
	}
}
