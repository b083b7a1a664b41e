// internal/api/router.go
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/di"
	"github.com/narrforge/narrforge/internal/services"
	"github.com/narrforge/narrforge/internal/utils"
)

// SetupRouter 配置HTTP路由。
// 只从容器获取服务，不创建新实例。
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	storyService, ok := container.Get("story").(*services.StoryService)
	if !ok {
		return nil, fmt.Errorf("故事服务未正确初始化")
	}
	forkService, ok := container.Get("fork").(*services.ForkService)
	if !ok {
		return nil, fmt.Errorf("分支服务未正确初始化")
	}
	summaryService, ok := container.Get("summary").(*services.SummaryService)
	if !ok {
		return nil, fmt.Errorf("摘要服务未正确初始化")
	}
	graphService, ok := container.Get("entity_graph").(*services.EntityGraphService)
	if !ok {
		return nil, fmt.Errorf("实体图服务未正确初始化")
	}
	timelineService, ok := container.Get("timeline").(*services.TimelineService)
	if !ok {
		return nil, fmt.Errorf("时间线服务未正确初始化")
	}
	exportService, ok := container.Get("export").(*services.ExportService)
	if !ok {
		return nil, fmt.Errorf("导出服务未正确初始化")
	}
	statsService, ok := container.Get("stats").(*services.StatsService)
	if !ok {
		return nil, fmt.Errorf("统计服务未正确初始化")
	}
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	handler := NewHandler(
		storyService,
		forkService,
		summaryService,
		graphService,
		timelineService,
		exportService,
		statsService,
		llmService,
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(corsMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(MetricsMiddleware(utils.NewAppMetrics()))

	// WebSocket 流式续写
	r.GET("/ws/forks/:public_id/choose", handler.StreamChoose)

	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 故事建档
		api.POST("/stories", handler.CreateStory)
		api.GET("/stories", handler.ListStories)
		api.GET("/stories/:id", handler.GetStory)
		api.POST("/stories/:id/branch-points", handler.AddBranchPoint)
		api.GET("/branch-points/:id/options", handler.GetBranchPointOptions)
		api.GET("/stories/:id/stats", handler.GetStoryStats)

		// 阅读分支
		api.POST("/stories/:id/forks", handler.CreateFork)
		api.GET("/forks/:public_id", handler.GetFork)
		api.GET("/forks/:public_id/segments", handler.GetForkSegments)
		api.GET("/forks/:public_id/next", handler.GetNextBranchPoint)
		api.POST("/forks/:public_id/choose", GenerationRateLimit(), handler.Choose)
		api.POST("/forks/:public_id/rollback", handler.Rollback)
		api.GET("/forks/:public_id/export", handler.ExportFork)

		// 摘要缓存
		api.POST("/forks/:public_id/summaries/backfill", handler.BackfillSummaries)
		api.GET("/forks/:public_id/summaries/status", handler.GetSummaryStatus)

		// 实体与关系图
		api.GET("/stories/:id/graph", handler.GetEntityGraph)
		api.GET("/entities/:id", handler.GetEntityDetail)
		api.GET("/entities/:id/related", handler.GetRelatedEntities)

		// 时间线
		api.GET("/stories/:id/timelines", handler.ListTimelines)
		api.GET("/timelines/:id", handler.GetTimeline)
		api.POST("/stories/:id/timelines/branch", handler.CreateBranchTimeline)
		api.POST("/timelines/:id/merge", handler.MergeTimelines)

		// 设置与状态
		api.GET("/settings", handler.GetSettings)
		api.PUT("/settings", handler.UpdateSettings)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/health", handler.Health)
	}

	return r, nil
}
