package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"catia-session/internal/client"
	"catia-session/internal/util"
)

// Event is one certificate generation, recorded for the registry's audit
// trail. The citizen document is stored masked.
type Event struct {
	ID            string    `json:"id"`
	FullName      string    `json:"fullName"`
	DocumentType  string    `json:"documentType"`
	Document      string    `json:"document"`
	Chip          string    `json:"chip"`
	RequestNumber string    `json:"requestNumber"`
	RequestedAt   time.Time `json:"requestedAt"`
}

const insertEventQuery = `
	INSERT INTO certificate_audit
		(id, full_name, document_type, document, chip, request_number, requested_at, bucket)
`

const listEventsQuery = `
	SELECT id, full_name, document_type, document, chip, request_number, requested_at
	FROM certificate_audit
	WHERE bucket = ? AND document = ?
	ORDER BY requested_at DESC
	LIMIT 100
`

// ErrStoreUnavailable is returned when the event history is requested but
// no ClickHouse sink is configured.
var ErrStoreUnavailable = errors.New("audit store not configured")

// Recorder fans certificate events out to Kafka and ClickHouse. Both
// sinks are optional and both are best effort: a sink failure is logged
// and never surfaces to the citizen-facing flow.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	topic      string
	buckets    int
	logger     *zap.Logger
}

func NewRecorder(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, topic string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = util.Get()
	}
	return &Recorder{
		producer:   producer,
		clickhouse: clickhouse,
		topic:      topic,
		buckets:    64,
		logger:     logger,
	}
}

// RecordCertificate persists one certificate event. The Kafka partition
// key is the citizen's bucket, so all events for one citizen land on the
// same partition in order.
func (r *Recorder) RecordCertificate(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RequestedAt.IsZero() {
		event.RequestedAt = time.Now().UTC()
	}
	bucket := r.bucketFor(event.Document)
	event.Document = util.MaskDocument(event.Document)

	if r.producer != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			r.logger.Error("Failed to encode audit event", zap.Error(err))
			return
		}
		key := []byte(strconv.Itoa(bucket))
		if err := r.producer.ProduceMessage(ctx, r.topic, key, payload, map[string]string{
			"event_type": "certificate_generated",
		}); err != nil {
			r.logger.Error("Failed to publish audit event",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	if r.clickhouse != nil {
		row := []interface{}{
			event.ID,
			event.FullName,
			event.DocumentType,
			event.Document,
			event.Chip,
			event.RequestNumber,
			event.RequestedAt,
			uint8(bucket),
		}
		if err := r.clickhouse.BatchInsert(ctx, insertEventQuery, [][]interface{}{row}); err != nil {
			r.logger.Error("Failed to store audit event",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	r.logger.Info("Certificate audited",
		zap.String("event_id", event.ID),
		zap.String("chip", event.Chip),
		zap.String("request_number", event.RequestNumber),
	)
}

// ListCertificates returns the audited certificate generations for one
// citizen document, newest first. The table stores documents masked, so
// the lookup pairs the mask with the citizen's bucket.
func (r *Recorder) ListCertificates(ctx context.Context, document string) ([]Event, error) {
	if r.clickhouse == nil {
		return nil, ErrStoreUnavailable
	}

	bucket := uint8(r.bucketFor(document))
	rows, err := r.clickhouse.QueryRows(ctx, listEventsQuery, bucket, util.MaskDocument(document))
	if err != nil {
		r.logger.Error("Failed to query audit events",
			zap.String("document", util.MaskDocument(document)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.FullName, &ev.DocumentType, &ev.Document,
			&ev.Chip, &ev.RequestNumber, &ev.RequestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// bucketFor assigns a stable bucket from the citizen document.
func (r *Recorder) bucketFor(document string) int {
	hasher := murmur3.New64()
	hasher.Write([]byte(document))
	return int(hasher.Sum64() % uint64(r.buckets))
}
