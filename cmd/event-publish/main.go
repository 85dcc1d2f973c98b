package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juno-intents/stacks-bridge/internal/blobstore"
	"github.com/juno-intents/stacks-bridge/internal/events"
	"github.com/juno-intents/stacks-bridge/internal/queue"
)

const maxEventBytes = 1 << 20

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes transfer events, typically to replay archived transfers into the
// indexer. Every payload is validated before anything is published.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		eventFiles  stringListFlag
		archiveKeys stringListFlag
	)
	fs := flag.NewFlagSet("event-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueTLS := fs.Bool("queue-tls", false, "use TLS for kafka brokers")
	topic := fs.String("topic", events.DefaultTopic, "queue topic")
	inline := fs.String("event", "", "inline transfer event JSON")
	fs.Var(&eventFiles, "event-file", "transfer event file path (repeatable)")
	fs.Var(&archiveKeys, "archive-key", "S3 archive key to replay (repeatable)")
	archiveBucket := fs.String("archive-bucket", "", "S3 bucket holding the transfer archive")
	archivePrefix := fs.String("archive-prefix", "", "key prefix inside the archive")
	archiveRegion := fs.String("archive-region", "", "S3 region (default: from the AWS environment)")
	archiveEndpoint := fs.String("archive-endpoint", "", "custom S3 endpoint (MinIO, localstack)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(archiveKeys) > 0 && strings.TrimSpace(*archiveBucket) == "" {
		return errors.New("--archive-bucket is required with --archive-key")
	}

	if len(archiveKeys) > 0 {
		stdin = nil
	}
	payloads, err := loadPayloads(strings.TrimSpace(*inline), eventFiles, stdin)
	if errors.Is(err, errNoPayload) && len(archiveKeys) > 0 {
		payloads, err = nil, nil
	}
	if err != nil {
		return err
	}
	if len(archiveKeys) > 0 {
		client, err := blobstore.NewS3Client(ctx, blobstore.S3ClientConfig{Region: *archiveRegion, Endpoint: *archiveEndpoint})
		if err != nil {
			return err
		}
		archive, err := blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Bucket:   *archiveBucket,
			Prefix:   *archivePrefix,
			S3Client: client,
		})
		if err != nil {
			return err
		}
		archived, err := loadArchived(ctx, archive, archiveKeys)
		if err != nil {
			return err
		}
		payloads = append(payloads, archived...)
	}

	evs, err := decodeAll(payloads)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	pub, err := events.NewPublisher(producer, *topic, nil)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if err := pub.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish run %s: %w", ev.RunID, err)
		}
	}
	return nil
}

var errNoPayload = errors.New("an event is required via --event, --event-file, --archive-key, or stdin")

// loadPayloads collects inline and file payloads, falling back to JSON lines on stdin.
func loadPayloads(inline string, files []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(files)+1)
	if inline != "" {
		payloads = append(payloads, []byte(inline))
	}
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read event file %q: %w", path, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errNoPayload
	}

	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(payloads) == 0 {
		return nil, errNoPayload
	}
	return payloads, nil
}

func loadArchived(ctx context.Context, archive blobstore.Store, keys []string) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		obj, err := archive.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", k, err)
		}
		out = append(out, obj.Data)
	}
	return out, nil
}

func decodeAll(payloads [][]byte) ([]events.TransferEvent, error) {
	out := make([]events.TransferEvent, 0, len(payloads))
	for i, p := range payloads {
		ev, err := events.Decode(bytes.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
