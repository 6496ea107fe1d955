package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/metrics"
	"github.com/frahmantamala/escrow-settlement/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Escrow event commands",
	Long:  `Inspect the escrow contract interface and publish test settlement events`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a test settlement event",
	Long:  `Publish a test escrow event through the event bus and the notification dispatcher`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		publishTestEvent(args[0])
	},
}

var abiEventCmd = &cobra.Command{
	Use:   "abi",
	Short: "List the escrow contract methods and events",
	Run: func(cmd *cobra.Command, args []string) {
		if err := printEscrowABI(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	},
}

var (
	eventJobID    string
	eventEscrowID uint64
	eventAmount   string
)

func publishTestEvent(eventType string) {
	ctx := context.Background()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg)
	lg := logger.LoggerWrapper()

	eventBus := events.NewEventBus(lg)
	dispatcher, err := initDispatcher(ctx, cfg.Notification, metrics.New(nil), lg)
	if err != nil {
		lg.Error("failed to start notification dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()
	dispatcher.Register(eventBus)

	testEvent := events.NewEscrowEvent(eventType, events.EscrowEventFields{
		JobID:    eventJobID,
		EscrowID: eventEscrowID,
		Amount:   eventAmount,
		Source:   "cli-command",
	})

	lg.Info("publishing test event", "event_type", eventType, "event_id", testEvent.ID)

	if err := eventBus.PublishSync(ctx, testEvent); err != nil {
		lg.Error("failed to publish event", "error", err)
		os.Exit(1)
	}

	lg.Info("test event published successfully")
}

func printEscrowABI() error {
	parsed, err := ledger.ParseEscrowABI()
	if err != nil {
		return err
	}

	methods := make([]string, 0, len(parsed.Methods))
	for name := range parsed.Methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)

	fmt.Println("Methods:")
	for _, name := range methods {
		m := parsed.Methods[name]
		fmt.Printf("  0x%s  %s\n", hex.EncodeToString(m.ID), m.Sig)
	}

	names := make([]string, 0, len(parsed.Events))
	for name := range parsed.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Events:")
	for _, name := range names {
		e := parsed.Events[name]
		fmt.Printf("  %s  %s\n", e.ID.Hex(), e.Sig)
	}
	return nil
}

func init() {
	publishEventCmd.Flags().StringVar(&eventJobID, "job", "test-job", "Job id carried by the event")
	publishEventCmd.Flags().Uint64Var(&eventEscrowID, "escrow", 0, "Escrow id carried by the event")
	publishEventCmd.Flags().StringVar(&eventAmount, "amount", "0", "Amount carried by the event")

	eventCmd.AddCommand(publishEventCmd)
	eventCmd.AddCommand(abiEventCmd)

	rootCmd.AddCommand(eventCmd)
}
