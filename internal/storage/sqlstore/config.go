package sqlstore

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DriverMySQL 使用 go-sql-driver/mysql。
	DriverMySQL = "mysql"
	// DriverSQLite 使用纯 Go 的 modernc.org/sqlite。
	DriverSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

func (c Config) dialect() (string, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", DriverMySQL:
		return DriverMySQL, nil
	case DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("不支持的数据库驱动: %s", c.Driver)
	}
}
