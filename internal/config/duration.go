package config

import (
	"fmt"
	"time"
)

// Duration 支持在 YAML、JSON 与环境变量中使用 "30s" 形式的时长。
type Duration time.Duration

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }
