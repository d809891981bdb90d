package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

// flushInterval is how often queued persistent values are committed.
const flushInterval = 5 * time.Second

// Persister is the in-process sink for items marked persist. Value
// changes are coalesced in memory and flushed to daemon/persist/<uuid>/
// on a timer, so a rapidly updating item costs one write per interval,
// not one per update. Persistent items survive a daemon restart by being
// reloaded into the authoritative cache before final setup runs.
type Persister struct {
	uuid string
	dir  string

	mu      sync.Mutex
	pending map[string]*protocol.Payload

	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// NewPersister creates the sink for one block UUID and starts the flush
// timer.
func NewPersister(uuid string, logger *slog.Logger) (*Persister, error) {
	dir, err := config.DaemonPersistDir(uuid)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, errors.Wrap(err, "Persister", "NewPersister", "persist directory creation")
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Persister{
		uuid:    uuid,
		dir:     dir,
		pending: make(map[string]*protocol.Payload),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go p.run(ctx)

	return p, nil
}

// Enqueue schedules a payload for the next flush. Only the most recent
// value per key is committed.
func (p *Persister) Enqueue(key string, payload *protocol.Payload) {
	p.mu.Lock()
	p.pending[key] = payload
	p.mu.Unlock()
}

// Flush commits every queued value immediately.
func (p *Persister) Flush() error {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]*protocol.Payload)
	p.mu.Unlock()

	var firstErr error

	for key, payload := range pending {
		if err := p.write(key, payload); err != nil {
			p.logger.Error("failed to persist item value",
				"key", key, "uuid", p.uuid, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Close flushes outstanding values and stops the timer.
func (p *Persister) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
	return p.Flush()
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Flush()
		}
	}
}

// write commits one payload: the JSON body under the key's name, the bulk
// buffer (if any) in an adjacent bulk: file.
func (p *Persister) write(key string, payload *protocol.Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(p.dir, key), raw, 0o664); err != nil {
		return err
	}

	bulkFile := filepath.Join(p.dir, "bulk:"+key)

	if len(payload.Bulk) > 0 {
		return os.WriteFile(bulkFile, payload.Bulk, 0o664)
	}

	err = os.Remove(bulkFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadPersisted reads every saved value for a block UUID, keyed by item
// key. Unreadable entries are skipped.
func LoadPersisted(uuid string) (map[string]*protocol.Payload, error) {
	dir, err := config.DaemonPersistDir(uuid)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*protocol.Payload{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store", "LoadPersisted", "persist directory listing")
	}

	loaded := make(map[string]*protocol.Payload)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), "bulk:") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil || len(raw) == 0 {
			continue
		}

		payload := &protocol.Payload{}
		if err := json.Unmarshal(raw, payload); err != nil {
			continue
		}

		if bulk, err := os.ReadFile(filepath.Join(dir, "bulk:"+entry.Name())); err == nil {
			payload.Bulk = bulk
		}

		loaded[entry.Name()] = payload
	}

	return loaded, nil
}
