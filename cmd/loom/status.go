package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check real-time connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sync, err := buildSync(cfg)
		if err != nil {
			return err
		}
		defer sync.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ok, err := sync.Connect(ctx)
		if err != nil {
			return err
		}

		st := sync.Status()
		fmt.Printf("state:    %s\n", st.State)
		if !ok {
			fmt.Println("realtime: unavailable (degraded mode, sends fall back to REST)")
		} else {
			fmt.Println("realtime: connected")
		}
		if st.LastError != "" {
			fmt.Printf("last error: %s\n", st.LastError)
		}
		return nil
	},
}
