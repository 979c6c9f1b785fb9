package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/austindbirch/pushtrigger/internal/logging"
)

// embed is the part of a chat webhook message we check and log
type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type message struct {
	Embeds []embed `json:"embeds"`
}

// receiver stands in for a chat webhook endpoint. The first failFirstN
// posts get a 500.
type receiver struct {
	failFirstN int
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	received []embed
}

func main() {
	logger := logging.New("fake-receiver")

	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rcv := &receiver{failFirstN: failFirstN, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)
	mux.HandleFunc("/embeds", rcv.handleEmbeds)

	logger.Plain().WithField("addr", addr).WithField("fail_first_n", failFirstN).Info("fake-receiver listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	rc.mu.Lock()
	rc.reqCount++
	n, failFirstN := rc.reqCount, rc.failFirstN
	rc.mu.Unlock()

	// Simulate flakiness: first N requests -> 500
	if n <= failFirstN {
		rc.logger.Plain().WithField("attempt", n).WithField("body", truncate(string(b), 160)).
			Warnf("FAILING (%d/%d)", n, failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var msg message
	if err := json.Unmarshal(b, &msg); err != nil {
		rc.logger.Plain().WithError(err).WithField("body", truncate(string(b), 160)).Warn("invalid message body")
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(msg.Embeds) == 0 {
		http.Error(w, "message has no embeds", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.received = append(rc.received, msg.Embeds...)
	rc.mu.Unlock()

	for _, e := range msg.Embeds {
		rc.logger.Plain().WithFields(map[string]any{
			"title":       e.Title,
			"description": truncate(e.Description, 160),
			"footer":      e.Footer.Text,
			"color":       e.Color,
			"timestamp":   e.Timestamp,
			"trace_id":    r.Header.Get("X-Trace-Id"),
		}).Info("embed received")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rc *receiver) embeds() []embed {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]embed{}, rc.received...)
}

// handleEmbeds lists every embed received so far
func (rc *receiver) handleEmbeds(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.embeds())
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
