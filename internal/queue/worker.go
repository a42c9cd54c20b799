package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-zhu/easyimg/internal/config"
	"github.com/chaos-zhu/easyimg/internal/metrics"
)

// Mirror is the off-site copy the worker keeps in sync.
type Mirror interface {
	Put(ctx context.Context, key, contentType string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// Files is the local store the worker reads uploads from.
type Files interface {
	Open(id, ext string) (*os.File, error)
}

type Worker struct {
	rc     ClientSource
	cfg    config.MirrorConfig
	mirror Mirror
	files  Files
	logger *slog.Logger
}

func NewWorker(rc ClientSource, cfg config.MirrorConfig, mirror Mirror, files Files, logger *slog.Logger) *Worker {
	return &Worker{
		rc:     rc,
		cfg:    cfg,
		mirror: mirror,
		files:  files,
		logger: logger.With(slog.String("component", "mirror_worker")),
	}
}

func (w *Worker) blockTimeout() time.Duration { return w.cfg.BlockTimeout * time.Second }

func (w *Worker) backoffBase() time.Duration { return w.cfg.BackoffBase * time.Millisecond }

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := w.rc.Get().XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start runs the consumers until ctx is cancelled. It returns nil on a clean
// shutdown.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.logger.Info("starting consumer",
		slog.String("group", w.cfg.Group),
		slog.String("stream", w.cfg.Stream),
		slog.Int("workers", w.cfg.Workers),
	)

	// Adopt orphaned pending messages
	w.autoClaim(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.logger.Debug("worker started", slog.Int("worker", id))
			return w.loop(gctx)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker loop exited with error: %w", err)
	}
	w.logger.Info("consumer stopped")
	return nil
}

// autoClaim takes over messages that were delivered to a consumer which
// died before XACK and processes them. Only messages idle for longer than
// minIdle are taken so slow but live workers keep theirs.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	minIdle := 30 * time.Second
	if t := w.blockTimeout() * 6; t > minIdle {
		minIdle = t
	}

	for {
		msgs, start, err := w.rc.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			w.logger.Warn("auto-claim failed", slog.String("error", err.Error()))
			return
		}
		for _, m := range msgs {
			_ = w.handle(ctx, m)
		}
		if len(msgs) == 0 || start == "0-0" {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// The message stays in the group's pending list until handle acks it.
		streams, err := w.rc.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.blockTimeout(),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("read from stream failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				_ = w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) error {
	defer w.rc.Get().XAck(context.WithoutCancel(ctx), w.cfg.Stream, w.cfg.Group, m.ID)

	raw, ok := m.Values["payload"].(string)
	if !ok {
		w.logger.Error("dropping message without payload", slog.String("message_id", m.ID))
		return nil
	}
	var job MirrorJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error("dropping undecodable message", slog.String("message_id", m.ID), slog.String("error", err.Error()))
		sentry.CaptureException(err)
		return nil
	}
	attempt := toInt(m.Values["attempt"])

	err := w.process(ctx, job)
	if err == nil {
		metrics.MirrorJobsTotal.WithLabelValues(job.Op, "ok").Inc()
		return nil
	}

	logger := w.logger.With(
		slog.String("op", job.Op),
		slog.String("key", job.Key()),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)

	if attempt+1 >= w.cfg.MaxAttempts {
		metrics.MirrorJobsTotal.WithLabelValues(job.Op, "failed").Inc()
		logger.Error("mirror job failed permanently")
		sentry.CaptureException(fmt.Errorf("mirror %s %s: %w", job.Op, job.Key(), err))
		return err
	}

	metrics.MirrorJobsTotal.WithLabelValues(job.Op, "retried").Inc()
	logger.Warn("mirror job failed, requeueing")

	// simple exponential backoff requeue
	backoff := w.backoffBase() << attempt
	time.AfterFunc(backoff, func() {
		err := w.rc.Get().XAdd(context.Background(), &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{
				"payload": raw,
				"attempt": attempt + 1,
			},
		}).Err()
		if err != nil {
			w.logger.Error("requeue failed", slog.String("key", job.Key()), slog.String("error", err.Error()))
		}
	})
	return err
}

func (w *Worker) process(ctx context.Context, job MirrorJob) error {
	switch job.Op {
	case OpPut:
		f, err := w.files.Open(job.ID, job.Format)
		if errors.Is(err, os.ErrNotExist) {
			// Deleted before it was mirrored; the delete job cleans up.
			w.logger.Info("skipping mirror of removed file", slog.String("key", job.Key()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", job.Key(), err)
		}
		defer f.Close()

		payload, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", job.Key(), err)
		}
		return w.mirror.Put(ctx, job.Key(), job.ContentType, payload)
	case OpDelete:
		return w.mirror.Delete(ctx, job.Key())
	default:
		return fmt.Errorf("unknown mirror op %q", job.Op)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		x, _ := strconv.Atoi(t)
		return x
	default:
		return 0
	}
}
