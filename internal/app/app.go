// internal/app/app.go
package app

import (
	"fmt"
	"sync"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/di"
	"github.com/narrforge/narrforge/internal/services"
	"github.com/narrforge/narrforge/internal/store"
	"github.com/narrforge/narrforge/internal/utils"
)

// App 持有进程级资源
type App struct {
	Store *store.Store

	stopChan chan struct{}
}

var (
	instance *App
	once     sync.Once
)

// GetApp 获取应用单例
func GetApp() *App {
	once.Do(func() {
		instance = &App{
			stopChan: make(chan struct{}),
		}
	})
	return instance
}

// InitServices 按依赖顺序初始化所有服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()
	logger := utils.GetLogger()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	GetApp().Store = st
	container.Register("store", st)

	intentStore, err := config.NewIntentConfigStore(cfg.IntentConfigPath, func(c *config.IntentConfig) {
		logger.Info("意图配置已热加载", map[string]interface{}{
			"path": cfg.IntentConfigPath,
		})
	})
	if err != nil {
		return fmt.Errorf("加载意图配置失败: %w", err)
	}
	container.Register("intent_config", intentStore)

	llmService := services.NewLLMService()
	container.Register("llm", llmService)

	budget := services.NewTokenBudgetService()
	container.Register("token_budget", budget)

	intentService := services.NewIntentService(intentStore, llmService)
	container.Register("intent", intentService)

	worldbuilding := services.NewWorldbuildingService(budget)
	container.Register("worldbuilding", worldbuilding)

	history := services.NewHistoryService(budget, intentStore.Get().MaxPrecompressedSegments)
	container.Register("history", history)

	builder := services.NewPromptBuilderService(intentStore, budget, intentService, worldbuilding, history)
	container.Register("prompt_builder", builder)

	summaryService := services.NewSummaryService(st, llmService, budget)
	container.Register("summary", summaryService)

	entityService := services.NewEntityService(st, llmService)
	container.Register("entity", entityService)

	graphService := services.NewEntityGraphService(st)
	container.Register("entity_graph", graphService)

	timelineService := services.NewTimelineService(st, llmService)
	container.Register("timeline", timelineService)

	forkService := services.NewForkService(st, llmService, builder, summaryService, entityService, timelineService)
	container.Register("fork", forkService)

	storyService := services.NewStoryService(st)
	container.Register("story", storyService)

	exportService := services.NewExportService(st)
	container.Register("export", exportService)

	statsService := services.NewStatsService(st)
	container.Register("stats", statsService)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services": len(container.GetNames()),
		"llm":      llmService.GetReadyState(),
	})
	return nil
}

// Shutdown 释放进程级资源
func (a *App) Shutdown() error {
	close(a.stopChan)
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
