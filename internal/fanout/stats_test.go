package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
)

const statsPayload = `{
	"version": "1.3.0",
	"topics": [
		{
			"topic_name": "other",
			"depth": 99,
			"channels": [{"channel_name": "workers", "depth": 99, "in_flight_count": 9}]
		},
		{
			"topic_name": "pushes",
			"depth": 2,
			"channels": [
				{"channel_name": "tail#ephemeral", "depth": 5, "in_flight_count": 1},
				{"channel_name": "deploys", "depth": 3, "in_flight_count": 0}
			]
		}
	]
}`

func statsServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			t.Errorf("path = %q, want /stats", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format = %q, want json", got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetchStats(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		topic       string
		wantErr     bool
		wantBacklog int64
		wantChans   int
	}{
		{name: "topic present", status: 200, body: statsPayload, topic: "pushes", wantBacklog: 10, wantChans: 2},
		{name: "topic not created yet", status: 200, body: statsPayload, topic: "missing", wantBacklog: 0, wantChans: 0},
		{name: "bad status", status: 500, body: "boom", topic: "pushes", wantErr: true},
		{name: "invalid json", status: 200, body: "invalid-json", topic: "pushes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := statsServer(t, tt.status, tt.body)
			got, err := FetchStats(context.Background(), http.DefaultClient, addr, tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FetchStats() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchStats() error: %v", err)
			}
			if got.Backlog() != tt.wantBacklog {
				t.Errorf("Backlog() = %d, want %d", got.Backlog(), tt.wantBacklog)
			}
			if len(got.Channels) != tt.wantChans {
				t.Errorf("len(Channels) = %d, want %d", len(got.Channels), tt.wantChans)
			}
		})
	}
}

func TestRecordStats(t *testing.T) {
	metrics.FanoutChannelDepth.Reset()
	metrics.FanoutChannelInFlight.Reset()

	RecordStats(TopicStats{
		TopicName: "pushes",
		Depth:     1,
		Channels: []ChannelStats{
			{ChannelName: "deploys", Depth: 4, InFlightCount: 2},
		},
	})

	if got := testutil.ToFloat64(metrics.FanoutBacklog); got != 5 {
		t.Errorf("FanoutBacklog = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.FanoutChannelDepth.WithLabelValues("deploys")); got != 4 {
		t.Errorf("FanoutChannelDepth[deploys] = %v, want 4", got)
	}
	if got := testutil.ToFloat64(metrics.FanoutChannelInFlight.WithLabelValues("deploys")); got != 2 {
		t.Errorf("FanoutChannelInFlight[deploys] = %v, want 2", got)
	}
}

func TestWatchBacklog(t *testing.T) {
	metrics.SetFanoutBacklog(0)
	addr := statsServer(t, 200, statsPayload)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchBacklog(ctx, nil, addr, "pushes", 10*time.Millisecond, logging.Discard())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.FanoutBacklog) != 10 {
		if time.Now().After(deadline) {
			t.Fatalf("FanoutBacklog = %v, want 10", testutil.ToFloat64(metrics.FanoutBacklog))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchBacklog did not return after cancel")
	}
}
