package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/queue"
	"github.com/apk-analysis/apk-risk-go/internal/repository"
	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/joho/godotenv"
)

// 将排队中的分析重新发布到 RabbitMQ；-failed 同时恢复可重试的失败记录
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	resetFailed := flag.Bool("failed", false, "同时重新入队超时或内部错误的失败记录")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.RabbitMQ.Enabled {
		log.Fatalf("RabbitMQ is disabled; pending analyses are requeued by the server on startup")
	}

	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQ, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)
	svc := service.NewAnalysisService(repository.NewAnalysisRepository(db, logger), nil, producer, nil, nil, service.Options{
		InboundDir: cfg.Analysis.InboundDir,
	}, logger)

	ctx := context.Background()

	if *resetFailed {
		n, err := svc.ResetRetryableFailures(ctx)
		if err != nil {
			log.Fatalf("Failed to reset failed analyses: %v", err)
		}
		fmt.Printf("恢复 %d 个可重试的失败记录\n", n)
	}

	n, err := svc.RequeuePending(ctx)
	if err != nil {
		log.Fatalf("Failed to requeue analyses: %v", err)
	}
	fmt.Printf("成功重新入队 %d 个分析任务\n", n)
}
