// Command replisync drives the Orchestrator standalone, outside of a
// host replication engine, for smoke-testing a folder against a live
// Object Store endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/orbitfile/replisync/internal/checkpointstore"
	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/orchestrator"
)

func main() {
	authToken := flag.String("token", strings.TrimSpace(os.Getenv("REPLISYNC_TOKEN")), "object store bearer token")
	folderPath := flag.String("folder-path", envOrDefault("REPLISYNC_FOLDER_PATH", ""), "replicated folder path")
	primaryKeyField := flag.String("primary-key-field", envOrDefault("REPLISYNC_PRIMARY_KEY_FIELD", "id"), "document primary key field")
	apiEndpoint := flag.String("api-endpoint", envOrDefault("REPLISYNC_API_ENDPOINT", ""), "object store API endpoint override")
	live := flag.Bool("live", boolEnv("REPLISYNC_LIVE", false), "run the signaling mesh and auto-repull on RESYNC")
	batchSize := flag.Int("batch-size", intEnv("REPLISYNC_BATCH_SIZE", 50), "pull batch size")
	leaseTimeout := flag.Duration("transaction-timeout", durationEnv("REPLISYNC_TRANSACTION_TIMEOUT", 60*time.Second), "transaction lease timeout")
	checkpointDSN := flag.String("checkpoint-dsn", strings.TrimSpace(os.Getenv("REPLISYNC_CHECKPOINT_DSN")), "postgres DSN for durable checkpoint storage")
	pollInterval := flag.Duration("poll-interval", durationEnv("REPLISYNC_POLL_INTERVAL", 5*time.Second), "interval between pulls")
	once := flag.Bool("once", false, "run a single pull and exit")
	flag.Parse()

	if strings.TrimSpace(*authToken) == "" {
		log.Fatalf("token is required (--token or REPLISYNC_TOKEN)")
	}
	if strings.TrimSpace(*folderPath) == "" {
		log.Fatalf("folder-path is required (--folder-path or REPLISYNC_FOLDER_PATH)")
	}

	var opts []driveclient.Option
	if strings.TrimSpace(*apiEndpoint) != "" {
		opts = append(opts, driveclient.WithAPIEndpoint(*apiEndpoint))
	}
	client := driveclient.NewRESTClient(*authToken, opts...)

	var store checkpointstore.Store
	if strings.TrimSpace(*checkpointDSN) != "" {
		pgStore, err := checkpointstore.NewPostgresStore(*checkpointDSN)
		if err != nil {
			log.Fatalf("failed to initialize checkpoint store: %v", err)
		}
		store = pgStore
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(rootCtx, orchestrator.Config{
		Client:             client,
		FolderPath:         *folderPath,
		PrimaryKeyField:    *primaryKeyField,
		TransactionTimeout: *leaseTimeout,
		Live:               *live,
		BatchSize:          *batchSize,
		CheckpointStore:    store,
		Logger:             log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize orchestrator: %v", err)
	}
	defer func() {
		if err := o.Cancel(); err != nil {
			log.Printf("orchestrator cancel failed: %v", err)
		}
	}()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancel()
		result, err := o.Pull(ctx)
		if err != nil {
			log.Printf("pull failed: %v", err)
			return
		}
		log.Printf("pull delivered %d document(s), checkpoint=%s", len(result.Documents), result.Checkpoint.ModifiedTime)
	}

	run()
	if *once {
		return
	}

	timer := time.NewTimer(*pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("replisync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(*pollInterval)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
