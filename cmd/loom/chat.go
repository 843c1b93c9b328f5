package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	loom "github.com/loomchat/loom-go"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of messages to load")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

func resolveRoom(cfg *Config, args []string) (string, []string, error) {
	if len(args) > 0 {
		return args[0], args[1:], nil
	}
	if cfg.Chat.DefaultRoom != "" {
		return cfg.Chat.DefaultRoom, nil, nil
	}
	return "", nil, fmt.Errorf("no room given and no chat.default_room configured")
}

var sendCmd = &cobra.Command{
	Use:   "send [room] <body>",
	Short: "Send a message to a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		room, rest, err := resolveRoom(cfg, args)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			// Single argument: treat it as the body for the default room.
			rest = []string{room}
			room = cfg.Chat.DefaultRoom
			if room == "" {
				return fmt.Errorf("no chat.default_room configured")
			}
		}
		body := strings.Join(rest, " ")

		sync, err := buildSync(cfg)
		if err != nil {
			return err
		}
		defer sync.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Best effort: a failed connect degrades to the REST path.
		sync.Connect(ctx)

		id, err := sync.SendMessage(ctx, room, body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("sent %s\n", id)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream reconciled messages and typing updates",
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

		sync.OnMessage(func(m loom.Message) {
			tag := ""
			if m.IsOptimistic {
				tag = " (pending)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.RoomID, m.Sender, m.Body, tag)
		})
		sync.OnTyping(func(ev loom.TypingEvent) {
			if len(ev.UserIDs) > 0 {
				fmt.Printf("[%s] typing: %s\n", ev.RoomID, strings.Join(ev.UserIDs, ", "))
			}
		})
		sync.OnConnectionChange(func(s loom.ConnState) {
			fmt.Printf("-- connection: %s\n", s)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		ok, err := sync.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("real-time unavailable; nothing to watch")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [room]",
	Short: "Load recent messages from a room's history API",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		room, _, err := resolveRoom(cfg, args)
		if err != nil {
			return err
		}
		sync, err := buildSync(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, cursor, err := sync.LoadMessages(ctx, room, historyLimit, "")
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%s  %s: %s\n", time.UnixMilli(m.SentAt).Format(time.RFC3339), m.Sender, m.Body)
		}
		if cursor != "" {
			fmt.Printf("next cursor: %s\n", cursor)
		}
		return nil
	},
}
