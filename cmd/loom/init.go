package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID string
	initChatID string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "authenticated application identity")
	initCmd.Flags().StringVar(&initChatID, "chat-id", "", "remote-chat identifier for the identity")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a credential in ~/.loom/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.API.Token = args[0]
		if initUserID != "" {
			cfg.API.UserID = initUserID
		}
		if initChatID != "" {
			cfg.API.ChatID = initChatID
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Credential saved to %s\n", path)
		if cfg.API.ChatID == "" {
			fmt.Println("No chat id set; real-time connect will be skipped until one is configured (loom config set api.chat_id ...).")
		}
		return nil
	},
}
