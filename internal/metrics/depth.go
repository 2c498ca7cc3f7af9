package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/domain"
)

// StatsSource reports per-queue message counts.
type StatsSource interface {
	QueueStats(ctx context.Context) ([]domain.QueueStats, error)
}

// QueueCollector reads queue depth from the store on every scrape.
type QueueCollector struct {
	source  StatsSource
	timeout time.Duration
	logger  *zap.Logger
	depth   *prometheus.Desc
}

func NewQueueCollector(source StatsSource, timeout time.Duration, logger *zap.Logger) *QueueCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueCollector{
		source:  source,
		timeout: timeout,
		logger:  logger,
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_messages"),
			"Messages per queue and state.",
			[]string{"queue", "state"}, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stats, err := c.source.QueueStats(ctx)
	if err != nil {
		c.logger.Warn("queue stats scrape failed", zap.Error(err))
		return
	}
	for _, st := range stats {
		for _, v := range []struct {
			state string
			n     int64
		}{
			{"ready", st.Ready},
			{"delayed", st.Delayed},
			{"leased", st.Leased},
			{"completed", st.Completed},
			{"dead", st.Dead},
		} {
			ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(v.n), st.Queue, v.state)
		}
	}
}
