package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/stacks-bridge/internal/blobstore"
	"github.com/juno-intents/stacks-bridge/internal/events"
	historypg "github.com/juno-intents/stacks-bridge/internal/history/postgres"
	"github.com/juno-intents/stacks-bridge/internal/indexer"
	"github.com/juno-intents/stacks-bridge/internal/queue"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for transfer history (required)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated, required for kafka)")
		queueGroup   = flag.String("queue-group", "bridge-indexer", "kafka consumer group")
		queueTLS     = flag.Bool("queue-tls", false, "use TLS for kafka brokers")
		fromLatest   = flag.Bool("from-latest", false, "start a new consumer group at the end of the topic")
		eventsTopic  = flag.String("events-topic", events.DefaultTopic, "queue topic for transfer events")

		archiveDriver   = flag.String("archive-driver", "", "archive driver for event payloads (s3|memory); empty disables archiving")
		archiveBucket   = flag.String("archive-bucket", "", "S3 bucket for the event archive")
		archivePrefix   = flag.String("archive-prefix", "", "key prefix inside the archive")
		archiveRegion   = flag.String("archive-region", "", "S3 region (default: from the AWS environment)")
		archiveEndpoint = flag.String("archive-endpoint", "", "custom S3 endpoint (MinIO, localstack)")
		archivePath     = flag.Bool("archive-path-style", false, "use path-style S3 addressing")

		ackTimeout = flag.Duration("ack-timeout", 5*time.Second, "timeout for acknowledging a message")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	brokers := queue.SplitCommaList(*queueBrokers)
	if strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverKafka) && len(brokers) == 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for kafka")
		os.Exit(2)
	}
	if *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --ack-timeout must be > 0")
		os.Exit(2)
	}
	if *archiveDriver == blobstore.DriverS3 && strings.TrimSpace(*archiveBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --archive-bucket is required for s3")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := historypg.New(pool)
	if err != nil {
		log.Error("init history store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure history schema", "err", err)
		os.Exit(2)
	}

	var archive blobstore.Store
	switch *archiveDriver {
	case "":
	case blobstore.DriverS3:
		client, err := blobstore.NewS3Client(ctx, blobstore.S3ClientConfig{
			Region:    *archiveRegion,
			Endpoint:  *archiveEndpoint,
			PathStyle: *archivePath,
		})
		if err != nil {
			log.Error("init s3 client", "err", err)
			os.Exit(2)
		}
		archive, err = blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Prefix:   *archivePrefix,
			Bucket:   *archiveBucket,
			S3Client: client,
		})
		if err != nil {
			log.Error("init archive", "err", err)
			os.Exit(2)
		}
	default:
		archive, err = blobstore.New(blobstore.Config{Driver: *archiveDriver, Prefix: *archivePrefix})
		if err != nil {
			log.Error("init archive", "err", err)
			os.Exit(2)
		}
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:     *queueDriver,
		Brokers:    brokers,
		Group:      *queueGroup,
		Topics:     []string{*eventsTopic},
		TLS:        *queueTLS,
		FromLatest: *fromLatest,
		Reader:     os.Stdin,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	ix, err := indexer.New(consumer, store, archive, indexer.Config{
		AckTimeout: *ackTimeout,
		Log:        log,
	})
	if err != nil {
		log.Error("init indexer", "err", err)
		os.Exit(2)
	}

	log.Info("bridge-indexer started",
		"queueDriver", *queueDriver,
		"topic", *eventsTopic,
		"group", *queueGroup,
		"archive", *archiveDriver,
	)

	runErr := ix.Run(ctx)
	st := ix.Stats()
	log.Info("bridge-indexer stopped",
		"indexed", st.Indexed,
		"duplicates", st.Duplicates,
		"skipped", st.Skipped,
		"malformed", st.Malformed,
		"mismatched", st.Mismatched,
	)
	if runErr != nil {
		log.Error("indexer stopped", "err", runErr)
		os.Exit(1)
	}
}
