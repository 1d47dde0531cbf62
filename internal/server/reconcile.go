package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/transfer"
)

// reconcileEntry describes a submitted transfer whose effect could not be
// verified.
type reconcileEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"requestId,omitempty"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Amount    string           `json:"amount"`
	Outcome   transfer.Outcome `json:"outcome"`
	Error     string           `json:"error,omitempty"`
}

// reconcileQueue is a directory of JSON files, one per transfer.
type reconcileQueue struct {
	dir    string
	logger *zap.Logger
}

func (q *reconcileQueue) push(entry reconcileEntry) {
	if q.dir == "" {
		return
	}
	entry.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		q.logger.Error("reconcile marshal", zap.Error(err))
		return
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		q.logger.Error("reconcile mkdir", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), sanitize(string(entry.Outcome.Handle)))
	path := filepath.Join(q.dir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		q.logger.Error("reconcile write", zap.String("path", path), zap.Error(err))
		return
	}
	q.logger.Warn("transfer queued for reconciliation",
		zap.String("handle", string(entry.Outcome.Handle)),
		zap.Stringer("outcome", entry.Outcome.Kind),
		zap.String("path", path),
	)
}

func (q *reconcileQueue) depth() int {
	if q.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger.Error("reconcile read", zap.Error(err))
		}
		return 0
	}
	return len(entries)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
