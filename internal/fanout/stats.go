package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
)

const DefaultStatsInterval = 15 * time.Second

// Stats is the part of the nsqd /stats document the backlog poller reads
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName string         `json:"topic_name"`
	Depth     int64          `json:"depth"`
	Channels  []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// FetchStats reads the stats of topic from nsqd's HTTP interface
func FetchStats(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic string) (TopicStats, error) {
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TopicStats{}, fmt.Errorf("fanout: build stats request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return TopicStats{}, fmt.Errorf("fanout: get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TopicStats{}, fmt.Errorf("fanout: nsqd stats: unexpected status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return TopicStats{}, fmt.Errorf("fanout: decode nsqd stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.TopicName == topic {
			return t, nil
		}
	}
	// topic not created until the first publish
	return TopicStats{TopicName: topic}, nil
}

// Backlog is the number of messages queued on the topic and its channels
func (t TopicStats) Backlog() int64 {
	n := t.Depth
	for _, c := range t.Channels {
		n += c.Depth
	}
	return n
}

// RecordStats publishes t to the fan-out gauges
func RecordStats(t TopicStats) {
	metrics.SetFanoutBacklog(t.Backlog())
	for _, c := range t.Channels {
		metrics.SetFanoutChannel(c.ChannelName, c.Depth, c.InFlightCount)
	}
}

// WatchBacklog polls nsqd every interval until ctx is done
func WatchBacklog(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic string, interval time.Duration, logger *logging.Logger) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := FetchStats(ctx, client, nsqdHTTPAddr, topic)
			if err != nil {
				if ctx.Err() == nil {
					logger.Plain().WithError(err).WithField("nsqd", nsqdHTTPAddr).Warn("error updating fan-out backlog")
				}
				continue
			}
			RecordStats(t)
		}
	}
}
