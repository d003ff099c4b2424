package relayer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"zapps-voting/models"
)

// LogStream is the relayer's append-only audit trail for one session.
// Entries are numbered from 1 and mirrored to logrus.
type LogStream struct {
	mu      sync.RWMutex
	entries []models.LogEntry
	seq     uint64
	now     func() time.Time

	subs cmap.ConcurrentMap[string, func(models.LogEntry)]
	log  logrus.FieldLogger
}

func NewLogStream(logger logrus.FieldLogger) *LogStream {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogStream{
		now:  time.Now,
		subs: cmap.New[func(models.LogEntry)](),
		log:  logger,
	}
}

// Append records event and delivers it to subscribers.
func (s *LogStream) Append(event string, data map[string]interface{}) models.LogEntry {
	s.mu.Lock()
	s.seq++
	entry := models.LogEntry{
		Seq:       s.seq,
		Event:     event,
		Data:      data,
		Timestamp: s.now(),
	}
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	fields := logrus.Fields{"event": event, "seq": entry.Seq}
	for k, v := range data {
		fields[k] = v
	}
	if event == models.EventError || event == models.EventDecryptionFailed {
		s.log.WithFields(fields).Warn("Relayer action")
	} else {
		s.log.WithFields(fields).Info("Relayer action")
	}

	for _, fn := range s.subs.Items() {
		fn(entry)
	}
	return entry
}

// Entries returns a copy of every entry.
func (s *LogStream) Entries() []models.LogEntry {
	return s.Since(0)
}

// Since returns entries with Seq greater than seq.
func (s *LogStream) Since(seq uint64) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq >= s.seq {
		return []models.LogEntry{}
	}
	// Seq n lives at index n-1.
	out := make([]models.LogEntry, len(s.entries)-int(seq))
	copy(out, s.entries[seq:])
	return out
}

// Tail returns the last n entries.
func (s *LogStream) Tail(n int) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.LogEntry, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

func (s *LogStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn for every future entry.
func (s *LogStream) Subscribe(fn func(models.LogEntry)) func() {
	id := uuid.NewString()
	s.subs.Set(id, fn)
	return func() { s.subs.Remove(id) }
}
