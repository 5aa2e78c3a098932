package migration

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/config"
)

// NewMigratorFromDatabaseConfig 按应用的数据库配置创建迁移器。
// db 非空时复用该连接（sqlite 必须如此，驱动由 internal/database 注册）；
// 否则按配置拼出 URL 自行连接。
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig, db *sql.DB, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	cfg := &Config{
		DatabaseType: dbType,
		DB:           db,
		TableName:    "schema_migrations",
		Logger:       logger,
	}
	if db == nil {
		cfg.DatabaseURL = BuildDatabaseURL(dbType,
			dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}
	return NewMigrator(cfg)
}
