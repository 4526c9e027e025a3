package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/austindbirch/eventhook/internal/logging"
	"github.com/austindbirch/eventhook/internal/metrics"
)

// BacklogMonitor polls nsqd's /stats endpoint and exports channel depths.
type BacklogMonitor struct {
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	client   *http.Client
	log      *logging.Logger
}

func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string, interval time.Duration) *BacklogMonitor {
	base := nsqdHTTPAddr
	if u, err := url.Parse(base); err != nil || u.Scheme == "" {
		base = "http://" + base
	}
	return &BacklogMonitor{
		statsURL: base + "/stats?format=json&topic=" + url.QueryEscape(topic),
		topic:    topic,
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logging.New("nsq-backlog-monitor"),
	}
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// Run polls every interval until ctx is done.
func (m *BacklogMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.log.Plain().WithError(err).Error("Failed to get NSQ stats")
			}
		}
	}
}

// Poll fetches stats once and updates the depth gauges.
func (m *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: unexpected status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.Name != m.topic {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.Name == m.channel {
				metrics.UpdateWorkerBacklog(float64(channel.Depth))
			}
			metrics.UpdateNSQTopicDepth(topic.Name, channel.Name, float64(channel.Depth))
		}
	}
	return nil
}
