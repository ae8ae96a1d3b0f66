package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 会迁移 purify_jobs 和 job_findings 表
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Println("✓ Migration completed successfully")
}
