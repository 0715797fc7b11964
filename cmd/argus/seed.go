package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/argus-systems/argus/internal/config"
	"github.com/argus-systems/argus/internal/messaging"
	natsclient "github.com/argus-systems/argus/internal/messaging/nats"
	"github.com/argus-systems/argus/internal/models"
)

var (
	seedCount    int
	seedInterval time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic alerts for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed()
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "number of alerts to publish")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 100*time.Millisecond, "delay between alerts")
	rootCmd.AddCommand(seedCmd)
}

var seedSources = []string{"guardduty", "falco", "suricata", "osquery"}

func runSeed() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	natsCfg := natsclient.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name + "-seeder"

	conn, err := natsclient.Connect(natsCfg)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	bus, err := natsclient.NewClient(conn)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}
	defer bus.Close()

	gofakeit.Seed(time.Now().UnixNano())
	ctx := context.Background()

	for i := 0; i < seedCount; i++ {
		alert := fakeAlert()
		if err := messaging.PublishJSON(ctx, bus, messaging.SubjectAlertIngest, alert); err != nil {
			return fmt.Errorf("publish alert %d: %w", i, err)
		}
		fmt.Printf("published %s/%s\n", alert.Source, alert.Key)

		if seedInterval > 0 && i < seedCount-1 {
			time.Sleep(seedInterval)
		}
	}

	fmt.Printf("seeded %d alerts\n", seedCount)
	return nil
}

func fakeAlert() models.Alert {
	payload, _ := json.Marshal(map[string]any{
		"src_ip":   gofakeit.IPv4Address(),
		"dst_ip":   gofakeit.IPv4Address(),
		"hostname": gofakeit.DomainName(),
		"username": gofakeit.Username(),
		"severity": rand.Intn(10) + 1,
	})

	return models.Alert{
		Source:      seedSources[rand.Intn(len(seedSources))],
		Key:         gofakeit.UUID(),
		Description: gofakeit.HackerPhrase(),
		DetectedAt:  time.Now().UTC(),
		Payload:     payload,
	}
}
