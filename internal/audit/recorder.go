package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parishhub-auth/internal/client"
	"parishhub-auth/internal/model"
	"parishhub-auth/internal/util"
)

const (
	eventBuckets = 16
	sinkDeadline = 5 * time.Second
)

// Recorder writes security events to the configured sinks: the Kafka topic
// for downstream consumers, ClickHouse as the durable event log, and
// Elasticsearch for ad hoc search. Every sink is optional and best-effort;
// the authentication path never fails because the audit trail did.
type Recorder struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	now        func() time.Time
}

func NewRecorder(kafka *client.KafkaProducer, clickhouse *client.ClickHouseClient, es *client.ESClient) *Recorder {
	return &Recorder{kafka: kafka, clickhouse: clickhouse, es: es, now: time.Now}
}

// Record stamps one security event and hands it to the sinks. The fan-out
// runs on its own goroutine under a hard deadline; the triggering request
// never waits on a sink.
func (r *Recorder) Record(ctx context.Context, event model.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = r.now().UTC()
	}
	event.EventBucket = bucketFor(event.AccountID, event.EventID)

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode security event", zap.Error(err))
		return
	}

	// Detached from the request context so sinks outlive the response.
	go r.fanOut(context.WithoutCancel(ctx), event, payload)
}

func (r *Recorder) fanOut(ctx context.Context, event model.SecurityEvent, payload []byte) {
	sinkCtx, cancel := context.WithTimeout(ctx, sinkDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(sinkCtx)

	if r.kafka != nil {
		g.Go(func() error {
			return r.kafka.Produce(gctx, []byte(event.AccountID), payload)
		})
	}
	if r.clickhouse != nil {
		g.Go(func() error {
			return r.insertClickHouse(gctx, event)
		})
	}
	if r.es != nil {
		g.Go(func() error {
			return r.es.Index(gctx, event.EventID, payload)
		})
	}

	if err := g.Wait(); err != nil {
		util.Warn("Security event sink failed",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (r *Recorder) insertClickHouse(ctx context.Context, event model.SecurityEvent) error {
	batch, err := r.clickhouse.Conn().PrepareBatch(ctx,
		`INSERT INTO security_events
		 (event_id, event_bucket, account_id, username, event_type, event_time, ip_address, client_env, details)`)
	if err != nil {
		return err
	}
	if err := batch.Append(
		event.EventID, event.EventBucket, event.AccountID, event.Username,
		event.EventType, event.EventTime, event.IPAddress, event.ClientEnv,
		event.Details,
	); err != nil {
		return err
	}
	return batch.Send()
}

// bucketFor spreads events across ClickHouse partitions. Events without an
// account (failed lookups, gate rejections) hash the event ID instead so
// they don't pile into one bucket.
func bucketFor(accountID, eventID string) int {
	subject := accountID
	if subject == "" {
		subject = eventID
	}
	return int(murmur3.Sum32([]byte(subject)) % eventBuckets)
}
