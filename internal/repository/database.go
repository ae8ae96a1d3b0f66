package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化数据库连接
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if cfg.Type == "mysql" {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		dialector = mysql.Open(dsn)
	} else {
		// SQLite (fallback)
		path := cfg.Path
		if path == "" {
			path = "./data/jobs.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 关闭 SQL 日志
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		PrepareStmt: true, // 预编译 SQL
	})

	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if cfg.Type == "mysql" {
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetMaxIdleConns(10)
	} else {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移
	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	err := db.AutoMigrate(
		&domain.Job{},
		&domain.JobFinding{},
	)

	if err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
