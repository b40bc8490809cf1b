package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect coordination locks",
}

var locksShowCmd = &cobra.Command{
	Use:   "show <marketplace-id> <posting-id>",
	Short: "Show the lock state for one posting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := coord.NewSQLiteStore(db.DB)
		key := bid.LockKey(args[0], args[1])
		entry, held, err := store.Get(context.Background(), key)
		if err != nil {
			return err
		}
		if !held {
			fmt.Printf("%s  %s\n", key, color.New(color.FgGreen).Sprint("FREE"))
			return nil
		}
		fmt.Printf("%s  %s  holder=%s expires=%s (in %s)\n",
			key,
			color.New(color.FgYellow).Sprint("HELD"),
			entry.Value,
			entry.Expiry.Format(time.RFC3339),
			time.Until(entry.Expiry).Round(time.Millisecond))
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksShowCmd)
	rootCmd.AddCommand(locksCmd)
}
