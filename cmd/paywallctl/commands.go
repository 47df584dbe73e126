package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"paywall/internal/catalog"
)

func newCleanPendingCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean-pending",
		Short: "Delete pending purchases so readers start a fresh payment next time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-olderThan)
			n, err := s.DeletePendingPurchasesBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d pending purchase(s) created before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only delete pending purchases older than this (0 deletes all)")
	return cmd
}

func newApplyDefaultPricingCommand(ctx *commandContext) *cobra.Command {
	var price int64

	cmd := &cobra.Command{
		Use:   "apply-default-pricing",
		Short: "Make every first chapter free and price all other chapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			if price == 0 {
				price = ctx.config.DefaultChapterPrice
			}
			if price < 0 {
				return fmt.Errorf("price must be positive, got %d", price)
			}
			freed, priced, err := s.ApplyDefaultPricing(cmd.Context(), price)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Free chapters:  %d\n", freed)
			fmt.Fprintf(out, "Priced at %d:  %d\n", price, priced)
			return nil
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "Price in minor currency units (defaults to DEFAULT_CHAPTER_PRICE)")
	return cmd
}

func newImportChaptersCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import-chapters <catalog.toml>",
		Short: "Create or replace chapters from a TOML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			s, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			chapters, err := c.Chapters(ctx.config.DefaultChapterPrice)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ch := range chapters {
				pricing := "free"
				if !ch.IsFree {
					pricing = "unpriced"
					if ch.Price != nil {
						pricing = fmt.Sprintf("%d", *ch.Price)
					}
				}
				fmt.Fprintf(out, "%s #%d %s (%s)\n", ch.FictionTitle, ch.ChapterNumber, ch.Title, pricing)
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: %d chapter(s) validated, nothing written\n", len(chapters))
				return nil
			}

			n, err := catalog.Import(cmd.Context(), s, chapters)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Imported %d chapter(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the catalog without writing")
	return cmd
}

func newLookupTransactionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup-transaction <transaction-id>",
		Short: "Show the purchase recorded for a payment processor transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			p, err := s.GetPurchaseByExternalID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no purchase recorded for transaction %s", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Purchase:   %s\n", p.ID)
			fmt.Fprintf(out, "User:       %s\n", p.UserID)
			fmt.Fprintf(out, "Chapter:    %s\n", p.ChapterID)
			fmt.Fprintf(out, "Status:     %s\n", p.Status)
			fmt.Fprintf(out, "Amount:     %d %s\n", p.Amount, p.Currency)
			if p.PurchasedAt != nil {
				fmt.Fprintf(out, "Purchased:  %s\n", p.PurchasedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
