package sqlstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"SprintPilot/internal/audit"
)

const fileCacheSize = 512

// FileExecutionRepository 以 JSON Lines 追加写的方式保存执行记录，适合本地开发。
// 内存中只缓存最近的若干条，用于历史查询。
type FileExecutionRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []audit.ExecutionRecord
}

// NewFileExecutionRepository 在 dataDir 下创建或恢复 executions.log。
func NewFileExecutionRepository(dataDir string) (*FileExecutionRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileExecutionRepository{dataFile: filepath.Join(dataDir, "executions.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 实现 audit.Repository。
func (f *FileExecutionRepository) Save(_ context.Context, record audit.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化执行记录失败: %w", err)
	}

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开执行日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}

	f.records = append([]audit.ExecutionRecord{record}, f.records...)
	if len(f.records) > fileCacheSize {
		f.records = f.records[:fileCacheSize]
	}
	return nil
}

// Recent 实现 audit.Repository，返回最新的记录。
func (f *FileExecutionRepository) Recent(_ context.Context, query audit.Query) ([]audit.ExecutionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	var out []audit.ExecutionRecord
	for _, record := range f.records {
		if !query.Matches(record) {
			continue
		}
		out = append(out, record)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FileExecutionRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取执行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []audit.ExecutionRecord
	for scanner.Scan() {
		var record audit.ExecutionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]audit.ExecutionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析执行日志失败: %w", err)
	}

	if len(restored) > fileCacheSize {
		restored = restored[:fileCacheSize]
	}
	f.records = restored
	return nil
}

var _ audit.Repository = (*FileExecutionRepository)(nil)
