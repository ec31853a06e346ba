package nodedb

import (
	"sync"
	"time"
)

type memoryBackend struct {
	lock    sync.Mutex
	records map[string]NodeRecord
}

// NewMemoryBackend creates a backend keeping the records in memory. Nodes sharing the backend
// within one process see each other.
func NewMemoryBackend() Backend {
	return &memoryBackend{records: map[string]NodeRecord{}}
}

func (mb *memoryBackend) UpdateNode(rec *NodeRecord) error {
	mb.lock.Lock()
	mb.records[rec.NodeName] = *rec
	mb.lock.Unlock()
	return nil
}

func (mb *memoryBackend) HeartbeatNode(nodeName string, now time.Time) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if rec, ok := mb.records[nodeName]; ok {
		rec.LastUpdated = now
		mb.records[nodeName] = rec
	}
	return nil
}

func (mb *memoryBackend) LoadNodes() ([]*NodeRecord, error) {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	records := make([]*NodeRecord, 0, len(mb.records))
	for _, rec := range mb.records {
		rec := rec
		records = append(records, &rec)
	}
	return records, nil
}

func (mb *memoryBackend) DeleteNode(nodeName string) error {
	mb.lock.Lock()
	delete(mb.records, nodeName)
	mb.lock.Unlock()
	return nil
}

func (mb *memoryBackend) Close() error {
	return nil
}
