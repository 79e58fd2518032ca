package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Calibrator consumes feedback batches from the stream and nudges source
// reliability weights. Adjustments are tallied per batch, not per record,
// so one enthusiastic user cannot move a weight further than the step.
type Calibrator struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	batch    int64

	weights *retrieval.Weights
	step    float64
	floor   float64
	ceiling float64

	schedule  *cronexpr.Expression
	snapshots SnapshotStore
	logger    *log.Logger
}

// SnapshotStore persists the weight table after a calibration pass so the
// calibrated values survive a restart and stay auditable.
type SnapshotStore interface {
	SaveWeightSnapshot(ctx context.Context, weights map[retrieval.SourceKind]float64) error
}

// WithSnapshotStore enables snapshot persistence. Call before Run.
func (c *Calibrator) WithSnapshotStore(s SnapshotStore) *Calibrator {
	c.snapshots = s
	return c
}

func NewCalibrator(cfg config.FeedbackConfig, client *redis.Client, stream string, weights *retrieval.Weights, logger *log.Logger) (*Calibrator, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CALIBRATE] ", log.LstdFlags)
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse calibrator schedule %q: %w", cfg.Schedule, err)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Calibrator{
		client:   client,
		stream:   stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		batch:    batch,
		weights:  weights,
		step:     cfg.WeightStep,
		floor:    cfg.WeightFloor,
		ceiling:  cfg.WeightCeiling,
		schedule: expr,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled, firing one calibration pass at each
// scheduled tick.
func (c *Calibrator) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.client, c.stream, c.group); err != nil {
		return err
	}
	for {
		next := c.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		n, err := c.RunOnce(ctx)
		if err != nil {
			c.logger.Printf("calibration pass failed: %v", err)
			continue
		}
		if n > 0 {
			c.logger.Printf("calibrated from %d feedback records", n)
		}
	}
}

// RunOnce drains up to one batch from the stream, applies the net weight
// adjustment per source kind, and acknowledges the processed entries.
// Undecodable entries are acknowledged and skipped so a poison message
// cannot wedge the group.
func (c *Calibrator) RunOnce(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batch,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	var (
		records []Record
		ackIDs  []string
	)
	for _, st := range streams {
		for _, msg := range st.Messages {
			ackIDs = append(ackIDs, msg.ID)
			rec, err := decodeRecord(msg)
			if err != nil {
				c.logger.Printf("skipping undecodable entry %s: %v", msg.ID, err)
				continue
			}
			records = append(records, rec)
		}
	}

	c.Apply(records)
	if len(records) > 0 && c.snapshots != nil {
		if err := c.snapshots.SaveWeightSnapshot(ctx, c.weights.Snapshot()); err != nil {
			c.logger.Printf("weight snapshot failed (weights still applied): %v", err)
		}
	}

	if len(ackIDs) > 0 {
		if err := c.client.XAck(ctx, c.stream, c.group, ackIDs...).Err(); err != nil {
			return len(records), fmt.Errorf("xack: %w", err)
		}
	}
	return len(records), nil
}

// Apply folds a batch into the weights: the net verdict direction per
// source kind moves that weight by at most one step, clamped to the
// configured bounds.
func (c *Calibrator) Apply(records []Record) {
	net := map[retrieval.SourceKind]float64{}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			continue
		}
		for _, k := range r.SourceKinds {
			net[retrieval.SourceKind(k)] += r.delta()
		}
	}
	for kind, n := range net {
		if n == 0 {
			continue
		}
		delta := c.step
		if n < 0 {
			delta = -c.step
		}
		v := c.weights.Adjust(kind, delta, c.floor, c.ceiling)
		c.logger.Printf("weight %s -> %.3f (net %d)", kind, v, int(n))
	}
}

func decodeRecord(msg redis.XMessage) (Record, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Record{}, fmt.Errorf("entry has no envelope field")
	}
	str, ok := raw.(string)
	if !ok {
		return Record{}, fmt.Errorf("envelope field is not a string")
	}
	env, err := UnmarshalEnvelope([]byte(str))
	if err != nil {
		return Record{}, err
	}
	if env.EventType != eventTypeFeedback {
		return Record{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	var rec Record
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
