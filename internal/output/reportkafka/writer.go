package reportkafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// Config configures the Kafka report writer.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the report writer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes run reports to a Kafka topic, keyed by run id.
type Writer struct {
	writer       messageWriter
	writeTimeout time.Duration
	now          func() time.Time
}

// NewWriter creates a Kafka report writer.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Errorf("kafka writer: "+msg, args...)
		}),
	}

	logger.Infof("Kafka report writer initialized: brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return newWriter(w, cfg.WriteTimeout), nil
}

func newWriter(w messageWriter, writeTimeout time.Duration) *Writer {
	return &Writer{writer: w, writeTimeout: writeTimeout, now: time.Now}
}

// WriteReport publishes one report.
func (w *Writer) WriteReport(report *models.Report) error {
	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(report.RunID),
		Value: value,
		Time:  w.now(),
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write report %s: %w", report.RunID, err)
	}
	return nil
}

// Close flushes and closes the Kafka writer.
func (w *Writer) Close() error {
	return w.writer.Close()
}
