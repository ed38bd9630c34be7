package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture 是一组领域快照，用于本地运行时导入只读数据。
type Fixture struct {
	Projects []Project `json:"projects" yaml:"projects"`
	Sprints  []Sprint  `json:"sprints" yaml:"sprints"`
	Tasks    []Task    `json:"tasks" yaml:"tasks"`
}

// LoadFixture 读取 JSON 或 YAML 格式的快照文件。
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取数据文件失败: %w", err)
	}
	var fx Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &fx)
	default:
		err = json.Unmarshal(raw, &fx)
	}
	if err != nil {
		return nil, fmt.Errorf("解析数据文件失败: %w", err)
	}
	return &fx, nil
}

// Load 将快照写入内存存储。
func (m *MemoryStore) Load(fx *Fixture) {
	if fx == nil {
		return
	}
	for _, p := range fx.Projects {
		m.PutProject(p)
	}
	for _, s := range fx.Sprints {
		m.PutSprint(s)
	}
	for _, t := range fx.Tasks {
		m.PutTask(t)
	}
}
