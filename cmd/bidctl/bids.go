package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

var bidsCmd = &cobra.Command{
	Use:   "bids",
	Short: "Inspect and manage bid records",
}

var listStatus string
var listLimit int
var listJSON bool

var bidsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bids (optionally by status)",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := bid.NewStore(db.DB, obs.NewLogger(), nil)
		bids, err := st.List(context.Background(), bid.Status(listStatus), listLimit)
		if err != nil {
			return err
		}
		if listJSON {
			b, _ := json.MarshalIndent(bids, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, b := range bids {
			fmt.Printf("%s  %s  %s/%s  created=%s%s\n",
				b.ID, statusColored(b.Status), b.MarketplaceID, b.PostingID,
				b.CreatedAt.Format(time.RFC3339), withdrawnSuffix(b))
		}
		return nil
	},
}

var bidsShowCmd = &cobra.Command{
	Use:   "show <bid-id>",
	Short: "Show one bid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := bid.NewStore(db.DB, obs.NewLogger(), nil)
		b, err := st.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(b, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var withdrawReason string

var bidsWithdrawCmd = &cobra.Command{
	Use:   "withdraw <bid-id>",
	Short: "Withdraw an active bid via the running bidworker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if withdrawReason == "" {
			return fmt.Errorf("--reason is required")
		}
		body, _ := json.Marshal(map[string]string{"reason": withdrawReason})
		url := fmt.Sprintf("%s/v1/bids/%s/withdraw", workerAddr, args[0])
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := (&http.Client{Timeout: 2 * time.Minute}).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("withdraw failed: status=%d body=%s", resp.StatusCode, string(data))
		}
		fmt.Printf("%s %s\n", color.New(color.FgGreen).Sprint("WITHDRAWN"), args[0])
		return nil
	},
}

func statusColored(s bid.Status) string {
	switch s {
	case bid.StatusActive:
		return color.New(color.FgGreen).Sprintf("%-9s", s)
	case bid.StatusWithdrawn:
		return color.New(color.FgYellow).Sprintf("%-9s", s)
	case bid.StatusDuplicate:
		return color.New(color.FgBlue).Sprintf("%-9s", s)
	case bid.StatusRejected:
		return color.New(color.FgRed).Sprintf("%-9s", s)
	default:
		return fmt.Sprintf("%-9s", s)
	}
}

func withdrawnSuffix(b bid.Bid) string {
	if b.Status != bid.StatusWithdrawn {
		return ""
	}
	return fmt.Sprintf("  reason=%q at=%s", b.WithdrawnReason, b.WithdrawalAt.Format(time.RFC3339))
}

func init() {
	bidsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (ACTIVE|WITHDRAWN|DUPLICATE|REJECTED)")
	bidsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Max rows")
	bidsListCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")
	bidsWithdrawCmd.Flags().StringVar(&withdrawReason, "reason", "", "Withdrawal reason (required)")

	bidsCmd.AddCommand(bidsListCmd)
	bidsCmd.AddCommand(bidsShowCmd)
	bidsCmd.AddCommand(bidsWithdrawCmd)
	rootCmd.AddCommand(bidsCmd)
}
