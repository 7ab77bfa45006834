package app

import (
	"fmt"
	"path"
	"time"

	"github.com/talkincode/whatsgate/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the application database. The bolt session backend
// still needs a relational handle for system tables and the whatsmeow
// device store, so bolt deployments fall back to the embedded sqlite
// file here.
func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	logLevel := logger.Error
	if cfg.Debug {
		logLevel = logger.Info
	}
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=Asia/Jakarta",
			cfg.Host, cfg.User, cfg.Passwd, cfg.Name, cfg.Port)
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(path.Join(workdir, "data", "whatsgate.db"))
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		zap.S().Panicf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		maxConn := cfg.MaxConn
		if maxConn == 0 {
			maxConn = 100
		}
		idleConn := cfg.IdleConn
		if idleConn == 0 {
			idleConn = 10
		}
		sqlDB.SetMaxOpenConns(maxConn)
		sqlDB.SetMaxIdleConns(idleConn)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}
