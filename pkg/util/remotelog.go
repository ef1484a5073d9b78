package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteLogHook is a logrus hook that batches log records and ships them to
// the control server's /log endpoint. Shipping is best-effort: a failed post
// keeps the batch for the next interval.
type RemoteLogHook struct {
	controlURL string
	name       string
	interval   time.Duration
	client     *http.Client

	mu      sync.Mutex
	backlog [][2]interface{}
	done    chan struct{}
	once    sync.Once
}

// NewRemoteLogHook creates a hook shipping to controlURL under the given
// client/worker name and starts its background sender.
func NewRemoteLogHook(controlURL, name string, interval time.Duration) *RemoteLogHook {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h := &RemoteLogHook{
		controlURL: controlURL,
		name:       name,
		interval:   interval,
		client:     &http.Client{Timeout: 10 * time.Second},
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Levels reports the levels the hook fires on.
func (h *RemoteLogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
		logrus.FatalLevel,
	}
}

// Fire appends the entry to the backlog.
func (h *RemoteLogHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	h.backlog = append(h.backlog, [2]interface{}{int(entry.Level), entry.Message})
	h.mu.Unlock()
	return nil
}

// Close stops the background sender.
func (h *RemoteLogHook) Close() {
	h.once.Do(func() { close(h.done) })
}

func (h *RemoteLogHook) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.ship()
		}
	}
}

func (h *RemoteLogHook) ship() {
	h.mu.Lock()
	logs := h.backlog
	h.backlog = nil
	h.mu.Unlock()

	if len(logs) == 0 {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"name": h.name,
		"logs": logs,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodGet, h.controlURL+"/log", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		// keep the batch for the next tick
		h.mu.Lock()
		h.backlog = append(logs, h.backlog...)
		h.mu.Unlock()
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	resp.Body.Close()
}

// FormatAddr joins an ip and port into a dialable address.
func FormatAddr(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
