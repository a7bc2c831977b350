package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Shugur-Network/broker/internal/application"
	"github.com/Shugur-Network/broker/internal/storage"
	"github.com/gookit/color"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
)

// parsePubKey accepts a 64-char hex key or an npub.
func parsePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		pk, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("invalid npub")
		}
		return pk, nil
	}
	s = strings.ToLower(s)
	if !nostr.IsValid32ByteHex(s) {
		return "", fmt.Errorf("pubkey must be 64 hex characters or an npub")
	}
	return s, nil
}

func creditBalance(ctx context.Context, store storage.Store, w io.Writer, rawPubKey, rawAmount string) error {
	pk, err := parsePubKey(rawPubKey)
	if err != nil {
		return err
	}
	amount, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer")
	}

	balance, err := store.Credit(ctx, pk, amount)
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	fmt.Fprintf(w, "%s credited %s, balance %s\n",
		pk, color.Green.Sprint(amount), color.Bold.Sprint(balance))
	return nil
}

func showBalance(ctx context.Context, store storage.Store, w io.Writer, rawPubKey string) error {
	pk, err := parsePubKey(rawPubKey)
	if err != nil {
		return err
	}
	balance, err := store.Balance(ctx, pk)
	if err != nil {
		return fmt.Errorf("balance lookup failed: %w", err)
	}
	known, err := store.HasAuthor(ctx, pk)
	if err != nil {
		return fmt.Errorf("author lookup failed: %w", err)
	}

	status := color.Yellow.Sprint("new author")
	if known {
		status = color.Green.Sprint("known author")
	}
	fmt.Fprintf(w, "%s balance %s (%s)\n", pk, color.Bold.Sprint(balance), status)
	return nil
}

// withStore opens the configured store for a one-shot ledger command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store) error) error {
	ctx := cmd.Context()
	store, err := application.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func newBalanceCmd() *cobra.Command {
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Inspect and top up author balances",
		Long:  "Administer the per-author ledger that pays for event admission when costs are configured",
	}

	balanceCmd.AddCommand(&cobra.Command{
		Use:   "credit <pubkey> <amount>",
		Short: "Add amount to an author's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				return creditBalance(ctx, store, cmd.OutOrStdout(), args[0], args[1])
			})
		},
	})

	balanceCmd.AddCommand(&cobra.Command{
		Use:   "show <pubkey>",
		Short: "Print an author's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				return showBalance(ctx, store, cmd.OutOrStdout(), args[0])
			})
		},
	})

	return balanceCmd
}
