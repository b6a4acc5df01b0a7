package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

const (
	eventPrefix = "evt:"
	eventSeqKey = "evtseq"

	seqBandwidth = 100
)

// Log is the durable, append-only event store.
type Log interface {
	NextSeq() (uint64, error)
	Append(ctx context.Context, events []*models.ChatEvent) error
	Query(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ChatEvent, error)
	Close() error
}

// BadgerLog stores events under evt:<session>:<unixnano>:<seq> so a prefix scan
// yields a session's events in order. Entries expire after the retention TTL.
type BadgerLog struct {
	db        *badger.DB
	seq       *badger.Sequence
	retention time.Duration
	logger    *zap.Logger
}

// OpenLog opens the event log in dir. An empty dir keeps events in memory.
// retention <= 0 keeps events forever.
func OpenLog(dir string, retention time.Duration, logger *zap.Logger) (*BadgerLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := storage.OpenBadger(dir, logger)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(eventSeqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open event sequence: %w", err)
	}
	return &BadgerLog{db: db, seq: seq, retention: retention, logger: logger}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte(eventPrefix + sessionID + ":")
}

func eventKey(sessionID string, ts time.Time, seq uint64) []byte {
	prefix := sessionPrefix(sessionID)
	buf := make([]byte, len(prefix)+17)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(ts.UnixNano()))
	offset += 8
	buf[offset] = ':'
	offset++
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// NextSeq returns the next insertion sequence number. Sequence numbers start at 1.
func (l *BadgerLog) NextSeq() (uint64, error) {
	n, err := l.seq.Next()
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// Append writes events in one batch.
func (l *BadgerLog) Append(ctx context.Context, events []*models.ChatEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		e := badger.NewEntry(eventKey(ev.SessionID, ev.Timestamp, ev.Seq), data)
		if l.retention > 0 {
			e = e.WithTTL(l.retention)
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("failed to write event %s: %w", ev.ID, err)
		}
	}
	return wb.Flush()
}

// Query returns up to limit events of a session with a timestamp after since,
// in session order. A zero since returns the history from the start.
func (l *BadgerLog) Query(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ChatEvent, error) {
	prefix := sessionPrefix(sessionID)
	start := prefix
	if !since.IsZero() {
		start = eventKey(sessionID, since.Add(time.Nanosecond), 0)
	}
	var out []*models.ChatEvent
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev models.ChatEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunGC reclaims value log space from expired events until ctx is done.
func (l *BadgerLog) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := l.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) &&
						!errors.Is(err, badger.ErrGCInMemoryMode) {
						l.logger.Warn("event log gc failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

// Close releases the sequence and closes the database.
func (l *BadgerLog) Close() error {
	if err := l.seq.Release(); err != nil {
		l.logger.Warn("failed to release event sequence", zap.Error(err))
	}
	return l.db.Close()
}
