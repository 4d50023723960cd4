package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/murachue/nosteen-sub000/internal/application"
	"github.com/murachue/nosteen-sub000/internal/fetch"
)

func newFetchCmd() *cobra.Command {
	var (
		ids, authors, contacts, followers []string
		bypassCache                       bool
		timeout                           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch verified events once and print them as JSON lines",
		Example: `
  nosteen fetch --id <hex or note1...>
  nosteen fetch --author npub1... --bypass-cache`,
		RunE: func(cmd *cobra.Command, args []string) error {
			preds, err := fetchPredicates(ids, authors, contacts, followers)
			if err != nil {
				return err
			}
			if len(preds) == 0 {
				return fmt.Errorf("nothing to fetch: pass --id, --author, --contacts or --followers")
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

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, pred := range preds {
				recs, err := node.FetchAll(ctx, pred, bypassCache)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", pred.Kind(), err)
				}
				for _, rec := range recs {
					if rec.Event == nil {
						continue
					}
					if err := enc.Encode(rec.Event); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "Event ids (hex, note or nevent)")
	cmd.Flags().StringSliceVar(&authors, "author", nil, "Fetch kind 0 profiles of these pubkeys (hex, npub or nprofile)")
	cmd.Flags().StringSliceVar(&contacts, "contacts", nil, "Fetch kind 3 contact lists of these pubkeys")
	cmd.Flags().StringSliceVar(&followers, "followers", nil, "Fetch contact lists that follow these pubkeys")
	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "Ask the relays even when the event is cached")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func fetchPredicates(ids, authors, contacts, followers []string) ([]fetch.Predicate, error) {
	var preds []fetch.Predicate
	add := func(values []string, eventRef bool, mk func([]string) fetch.Predicate) error {
		if len(values) == 0 {
			return nil
		}
		decoded := make([]string, 0, len(values))
		for _, v := range values {
			hex, err := decodeRef(v, eventRef)
			if err != nil {
				return err
			}
			decoded = append(decoded, hex)
		}
		preds = append(preds, mk(decoded))
		return nil
	}
	if err := add(ids, true, func(v []string) fetch.Predicate { return fetch.ByID{IDs: v} }); err != nil {
		return nil, err
	}
	if err := add(authors, false, func(v []string) fetch.Predicate { return fetch.ByProfile{Authors: v} }); err != nil {
		return nil, err
	}
	if err := add(contacts, false, func(v []string) fetch.Predicate { return fetch.ByContacts{Authors: v} }); err != nil {
		return nil, err
	}
	if err := add(followers, false, func(v []string) fetch.Predicate { return fetch.ByFollowers{Targets: v} }); err != nil {
		return nil, err
	}
	return preds, nil
}

// decodeRef turns a hex id or a bech32 reference into hex.
func decodeRef(ref string, eventRef bool) (string, error) {
	ref = strings.TrimSpace(ref)
	if nostr.IsValid32ByteHex(ref) {
		return ref, nil
	}
	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	switch v := value.(type) {
	case string:
		if (eventRef && prefix == "note") || (!eventRef && prefix == "npub") {
			return v, nil
		}
	case nostr.EventPointer:
		if eventRef {
			return v.ID, nil
		}
	case nostr.ProfilePointer:
		if !eventRef {
			return v.PublicKey, nil
		}
	}
	return "", fmt.Errorf("reference %q has the wrong type %s", ref, prefix)
}
