package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/logger"
)

// ProcessingStatus 入库状态
type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// ProcessingRecord 单个文件的入库记录
type ProcessingRecord struct {
	FileID    string           `json:"file_id"`
	Filename  string           `json:"filename"`
	Status    ProcessingStatus `json:"status"`
	NumChunks int              `json:"num_chunks"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// 允许的状态转换；completed / failed 为终态
var statusTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// IsTerminal 是否为终态
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition 检查是否可以进行状态转换；空状态表示首次入库
func CanTransition(from, to ProcessingStatus) bool {
	if from == "" {
		return to == StatusProcessing
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusMirror 记录的外部副本，供多实例查询
type StatusMirror interface {
	Save(ctx context.Context, record ProcessingRecord) error
	Load(ctx context.Context, fileID string) (*ProcessingRecord, error)
}

// ProcessingRegistry 进程内的入库状态表
type ProcessingRegistry struct {
	mu      sync.RWMutex
	records map[string]ProcessingRecord
	mirror  StatusMirror
	now     func() time.Time
}

// NewProcessingRegistry 创建状态表，mirror 可为 nil
func NewProcessingRegistry(mirror StatusMirror) *ProcessingRegistry {
	return &ProcessingRegistry{
		records: make(map[string]ProcessingRecord),
		mirror:  mirror,
		now:     time.Now,
	}
}

// Begin 登记一次入库。同一 file_id 正在处理时返回 ConflictError；
// 已结束的记录不做状态转换，由新记录替换
func (r *ProcessingRegistry) Begin(ctx context.Context, fileID, filename string) (ProcessingRecord, error) {
	r.mu.Lock()
	current, exists := r.records[fileID]
	if exists && !current.Status.IsTerminal() {
		r.mu.Unlock()
		return current, apperrors.NewConflictError("file " + fileID + " is already being processed")
	}

	now := r.now()
	record := ProcessingRecord{
		FileID:    fileID,
		Filename:  filename,
		Status:    StatusProcessing,
		StartedAt: now,
		UpdatedAt: now,
	}
	r.records[fileID] = record
	r.mu.Unlock()

	r.mirrorRecord(ctx, record)
	return record, nil
}

// Complete processing → completed
func (r *ProcessingRegistry) Complete(ctx context.Context, fileID string, numChunks int) error {
	return r.transition(ctx, fileID, StatusCompleted, func(rec *ProcessingRecord) {
		rec.NumChunks = numChunks
		rec.Error = ""
	})
}

// Fail processing → failed
func (r *ProcessingRegistry) Fail(ctx context.Context, fileID string, cause error) error {
	return r.transition(ctx, fileID, StatusFailed, func(rec *ProcessingRecord) {
		if cause != nil {
			rec.Error = cause.Error()
		}
	})
}

func (r *ProcessingRegistry) transition(ctx context.Context, fileID string, to ProcessingStatus, apply func(*ProcessingRecord)) error {
	r.mu.Lock()
	record, ok := r.records[fileID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewNotFoundError("processing record " + fileID)
	}
	if !CanTransition(record.Status, to) {
		r.mu.Unlock()
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidState, "invalid transition from "+string(record.Status)+" to "+string(to))
	}

	from := record.Status
	record.Status = to
	record.UpdatedAt = r.now()
	apply(&record)
	r.records[fileID] = record
	r.mu.Unlock()

	logger.Info("Document status transitioned",
		zap.String("file_id", fileID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	r.mirrorRecord(ctx, record)
	return nil
}

func (r *ProcessingRegistry) mirrorRecord(ctx context.Context, record ProcessingRecord) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Save(ctx, record); err != nil {
		logger.Warn("Failed to mirror processing record", zap.String("file_id", record.FileID), zap.Error(err))
	}
}

// Get 先查本地，再查外部副本
func (r *ProcessingRegistry) Get(ctx context.Context, fileID string) (ProcessingRecord, bool) {
	r.mu.RLock()
	record, ok := r.records[fileID]
	r.mu.RUnlock()
	if ok || r.mirror == nil {
		return record, ok
	}

	mirrored, err := r.mirror.Load(ctx, fileID)
	if err != nil || mirrored == nil {
		return ProcessingRecord{}, false
	}
	return *mirrored, true
}

// List 按开始时间排序的全部本地记录
func (r *ProcessingRegistry) List() []ProcessingRecord {
	r.mu.RLock()
	out := make([]ProcessingRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FileID < out[j].FileID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
