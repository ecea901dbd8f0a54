package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/events"
	"github.com/stewardbot/steward/internal/recur"
	"github.com/stewardbot/steward/internal/store"
)

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Manage scheduled reminders",
}

var (
	remindThread  string
	remindChannel string
	remindChat    string
	remindIn      time.Duration
	remindAt      string
	remindEvery   string
	remindStatus  string
	remindLimit   int
)

var remindAddCmd = &cobra.Command{
	Use:   "add <message...>",
	Short: "Schedule a reminder",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemindAdd,
}

var remindListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled reminders for a thread",
	RunE:  runRemindList,
}

var remindCancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Cancel a pending reminder",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemindCancel,
}

func init() {
	remindAddCmd.Flags().StringVar(&remindThread, "thread", "", "Owning thread id")
	remindAddCmd.Flags().StringVar(&remindChannel, "channel", "", "Delivery channel name")
	remindAddCmd.Flags().StringVar(&remindChat, "chat", "", "Channel-native chat/address")
	remindAddCmd.Flags().DurationVar(&remindIn, "in", 0, "Fire after this duration (e.g. 45m)")
	remindAddCmd.Flags().StringVar(&remindAt, "at", "", "Fire at this RFC3339 time")
	remindAddCmd.Flags().StringVar(&remindEvery, "every", "", "Recurrence spec (e.g. 'daily@09:00 tz=Europe/Berlin')")
	_ = remindAddCmd.MarkFlagRequired("thread")
	_ = remindAddCmd.MarkFlagRequired("channel")
	_ = remindAddCmd.MarkFlagRequired("chat")

	remindListCmd.Flags().StringVar(&remindThread, "thread", "", "Owning thread id")
	remindListCmd.Flags().StringVar(&remindStatus, "status", "", "Filter by status")
	remindListCmd.Flags().IntVar(&remindLimit, "limit", 50, "Maximum rows")
	_ = remindListCmd.MarkFlagRequired("thread")

	remindCmd.AddCommand(remindAddCmd, remindListCmd, remindCancelCmd)
	rootCmd.AddCommand(remindCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(cfg.Paths.DBPath())
}

func runRemindAdd(cmd *cobra.Command, args []string) error {
	var due time.Time
	switch {
	case remindIn > 0 && remindAt != "":
		return fmt.Errorf("--in and --at are mutually exclusive")
	case remindIn > 0:
		due = time.Now().Add(remindIn)
	case remindAt != "":
		t, err := time.Parse(time.RFC3339, remindAt)
		if err != nil {
			return fmt.Errorf("bad --at value: %w", err)
		}
		due = t
	default:
		return fmt.Errorf("one of --in or --at is required")
	}

	// Recurrence is validated at creation so a bad spec never reaches the
	// poller.
	recurrence := ""
	if remindEvery != "" {
		spec, err := recur.Parse(remindEvery)
		if err != nil {
			return err
		}
		recurrence = spec.String()
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := st.Enqueue(&store.ScheduledItem{
		OwnerThread: remindThread,
		Kind:        store.KindReminder,
		Channel:     remindChannel,
		ChatID:      remindChat,
		Payload:     strings.Join(args, " "),
		DueAt:       due,
		Recurrence:  recurrence,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s for %s\n", item.ItemID, item.DueAt.Local().Format(time.RFC3339))
	return nil
}

func runRemindList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.ListItems(remindThread, remindStatus, remindLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled items.")
		return nil
	}
	for _, it := range items {
		line := fmt.Sprintf("%s  %-9s  %s  %s", it.ItemID, it.Status, it.DueAt.Local().Format("2006-01-02 15:04"), it.Payload)
		if it.Recurrence != "" {
			line += "  [" + it.Recurrence + "]"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runRemindCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Paths.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	switch err := st.Cancel(args[0]); {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Cancelled %s", args[0]))
		// Best effort: the cancel already happened.
		publisher, closePublisher := auditPublisher(cfg, nil)
		defer closePublisher()
		publisher.Publish(cmd.Context(), events.Event{
			Type:   events.TypeItemCancelled,
			ItemID: args[0],
		})
		return nil
	case errors.Is(err, store.ErrCancelTooLate):
		return fmt.Errorf("%s already fired; cannot cancel", args[0])
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no such item %s", args[0])
	default:
		return err
	}
}
