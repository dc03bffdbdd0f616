package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-service/internal/errors"
)

type memoryMirror struct {
	mu      sync.Mutex
	records map[string]ProcessingRecord
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{records: make(map[string]ProcessingRecord)}
}

func (m *memoryMirror) Save(ctx context.Context, record ProcessingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.FileID] = record
	return nil
}

func (m *memoryMirror) Load(ctx context.Context, fileID string) (*ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[fileID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{"", StatusProcessing, true},
		{"", StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusProcessing, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func TestProcessingRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mirror := newMemoryMirror()
	registry := NewProcessingRegistry(mirror)

	record, err := registry.Begin(ctx, "ab12cd34", "guide.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, record.Status)

	_, err = registry.Begin(ctx, "ab12cd34", "guide.txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

	require.NoError(t, registry.Complete(ctx, "ab12cd34", 4))
	got, ok := registry.Get(ctx, "ab12cd34")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 4, got.NumChunks)
	assert.Equal(t, StatusCompleted, mirror.records["ab12cd34"].Status)

	// 完成后重新入库得到一条新记录
	registry.now = func() time.Time { return got.StartedAt.Add(time.Minute) }
	again, err := registry.Begin(ctx, "ab12cd34", "guide-v2.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)
	assert.Equal(t, "guide-v2.txt", again.Filename)
	assert.Zero(t, again.NumChunks)
	assert.True(t, again.StartedAt.After(got.StartedAt))
	require.NoError(t, registry.Fail(ctx, "ab12cd34", errors.New("parse failed")))

	got, _ = registry.Get(ctx, "ab12cd34")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "parse failed", got.Error)

	err = registry.Complete(ctx, "ab12cd34", 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestProcessingRegistry_UnknownFile(t *testing.T) {
	registry := NewProcessingRegistry(nil)
	err := registry.Complete(context.Background(), "missing", 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))

	_, ok := registry.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestProcessingRegistry_GetFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newMemoryMirror()
	require.NoError(t, mirror.Save(ctx, ProcessingRecord{FileID: "ff00ff00", Status: StatusCompleted, NumChunks: 2}))

	registry := NewProcessingRegistry(mirror)
	got, ok := registry.Get(ctx, "ff00ff00")
	require.True(t, ok)
	assert.Equal(t, 2, got.NumChunks)
}

func TestProcessingRegistry_ListOrder(t *testing.T) {
	ctx := context.Background()
	registry := NewProcessingRegistry(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	registry.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"cccc", "aaaa", "bbbb"} {
		_, err := registry.Begin(ctx, id, id+".txt")
		require.NoError(t, err)
	}

	list := registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, "cccc", list[0].FileID)
	assert.Equal(t, "aaaa", list[1].FileID)
	assert.Equal(t, "bbbb", list[2].FileID)
}

func TestProcessingRegistry_ConcurrentBegin(t *testing.T) {
	ctx := context.Background()
	registry := NewProcessingRegistry(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := registry.Begin(ctx, "same", "same.txt"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}
