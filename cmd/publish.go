package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/murachue/nosteen-sub000/internal/application"
	"github.com/murachue/nosteen-sub000/internal/identity"
)

func newPublishCmd() *cobra.Command {
	var (
		sec     string
		relays  []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish <content>",
		Short: "Sign a text note and publish it",
		Long: `Sign a kind 1 note and send it to the given relays, or to every write
relay of the configuration. Without --sec the key is read from ~/.nosteen/secret.key.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadSigner(sec)
			if err != nil {
				return err
			}
			evt, err := signer.Note(strings.Join(args, " "), nil)
			if err != nil {
				return fmt.Errorf("sign note: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			node, err := application.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize the node: %w", err)
			}
			defer node.Shutdown()
			if err := node.SetRelays(cfg.Endpoints()); err != nil {
				return err
			}

			outcomes, err := node.PublishAll(ctx, evt, relays)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", evt.ID, signer.Npub())
			accepted := 0
			for _, o := range outcomes {
				switch {
				case o.OK:
					accepted++
					fmt.Fprintf(out, "ok     %s\n", o.Relay)
				case o.Reason != "":
					fmt.Fprintf(out, "failed %s: %s\n", o.Relay, o.Reason)
				case o.Err != nil:
					fmt.Fprintf(out, "failed %s: %v\n", o.Relay, o.Err)
				default:
					fmt.Fprintf(out, "failed %s\n", o.Relay)
				}
			}
			if accepted == 0 {
				return fmt.Errorf("no relay accepted the event")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sec, "sec", "", "Secret key (hex or nsec)")
	cmd.Flags().StringSliceVar(&relays, "relay", nil, "Relay urls; defaults to the configured write relays")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func loadSigner(sec string) (*identity.Signer, error) {
	if sec != "" {
		return identity.Parse(sec)
	}
	path, err := identity.DefaultPath()
	if err != nil {
		return nil, err
	}
	signer, err := identity.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no --sec given and %w", err)
	}
	return signer, nil
}
