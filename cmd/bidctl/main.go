package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/storage"
)

var (
	dbPath     string
	workerAddr string
	db         *storage.DB
)

var rootCmd = &cobra.Command{
	Use:   "bidctl",
	Short: "Operator tooling for the bid coordination subsystem.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			return nil
		}
		if dbPath == "" {
			dbPath = "./bidworker.db"
		}
		d, err := storage.Open(context.Background(), storage.Config{Path: dbPath})
		if err != nil {
			return err
		}
		db = d
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite DB (default ./bidworker.db)")
	rootCmd.PersistentFlags().StringVar(&workerAddr, "addr", "http://localhost:8090", "bidworker base URL (for withdraw)")
}
