package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("steward status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println(color.RedString("Config load failed: %v", err))
			return
		}

		st, err := store.Open(cfg.Paths.DBPath())
		if err != nil {
			fmt.Println(color.RedString("Store:   ✗ %v", err))
			return
		}
		defer st.Close()
		fmt.Println("Store:   ✓ " + cfg.Paths.DBPath())

		counts, err := st.CountItemsByStatus()
		if err != nil {
			fmt.Println(color.RedString("Items:   ✗ %v", err))
			return
		}
		fmt.Printf("Items:   %d pending, %d running, %d sent, %d completed, %d failed, %d cancelled\n",
			counts[store.StatusPending], counts[store.StatusRunning], counts[store.StatusSent],
			counts[store.StatusCompleted], counts[store.StatusFailed], counts[store.StatusCancelled])

		switch tick, err := st.GetSetting("scheduler.last_tick"); {
		case err == nil:
			fmt.Println("Last tick: " + tick)
		case errors.Is(err, store.ErrNotFound):
			fmt.Println("Last tick: never")
		default:
			fmt.Println(color.RedString("Last tick: ✗ %v", err))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
