// internal/api/handlers.go
package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/services"
	"github.com/narrforge/narrforge/internal/utils"
)

// Handler 聚合全部HTTP处理器依赖
type Handler struct {
	storyService    *services.StoryService
	forkService     *services.ForkService
	summaryService  *services.SummaryService
	graphService    *services.EntityGraphService
	timelineService *services.TimelineService
	exportService   *services.ExportService
	statsService    *services.StatsService
	llmService      *services.LLMService

	response *ResponseHelper
	logger   *utils.Logger
}

func NewHandler(
	storyService *services.StoryService,
	forkService *services.ForkService,
	summaryService *services.SummaryService,
	graphService *services.EntityGraphService,
	timelineService *services.TimelineService,
	exportService *services.ExportService,
	statsService *services.StatsService,
	llmService *services.LLMService,
) *Handler {
	return &Handler{
		storyService:    storyService,
		forkService:     forkService,
		summaryService:  summaryService,
		graphService:    graphService,
		timelineService: timelineService,
		exportService:   exportService,
		statsService:    statsService,
		llmService:      llmService,
		response:        NewResponseHelper(),
		logger:          utils.GetLogger(),
	}
}

// ===============================
// 故事建档
// ===============================

// CreateStory 建立故事档案
func (h *Handler) CreateStory(c *gin.Context) {
	var in services.StoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	story, err := h.storyService.CreateStory(in)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Created(c, story, "故事已建档")
}

// ListStories 列出全部故事
func (h *Handler) ListStories(c *gin.Context) {
	stories, err := h.storyService.ListStories()
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, stories)
}

// GetStory 返回故事及其全部设定
func (h *Handler) GetStory(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.storyService.GetStoryDetail(storyID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, detail)
}

// AddBranchPoint 追加分叉点及选项
func (h *Handler) AddBranchPoint(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var in services.BranchPointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	bp, err := h.storyService.AddBranchPoint(storyID, in)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Created(c, bp, "分叉点已创建")
}

// GetStoryStats 返回故事的阅读统计
func (h *Handler) GetStoryStats(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.statsService.GetStoryStats(storyID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, stats)
}

// GetBranchPointOptions 返回分叉点的选项
func (h *Handler) GetBranchPointOptions(c *gin.Context) {
	bpID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	bp, options, err := h.storyService.GetBranchPointOptions(bpID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, gin.H{
		"branch_point": bp,
		"options":      options,
	})
}

// ===============================
// 阅读分支
// ===============================

// CreateFork 为读者开新分支
func (h *Handler) CreateFork(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		Reader string `json:"reader"`
	}
	// 请求体可省略，reader为空表示匿名读者
	_ = c.ShouldBindJSON(&body)

	fork, err := h.forkService.CreateFork(storyID, body.Reader)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Created(c, fork, "阅读分支已创建")
}

// GetFork 查询分支
func (h *Handler) GetFork(c *gin.Context) {
	fork, err := h.forkService.GetFork(c.Param("public_id"))
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, fork)
}

// GetForkSegments 返回分支全部章节
func (h *Handler) GetForkSegments(c *gin.Context) {
	segments, err := h.forkService.GetSegments(c.Param("public_id"))
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, segments)
}

// GetNextBranchPoint 返回分支待选择的下一个分叉点
func (h *Handler) GetNextBranchPoint(c *gin.Context) {
	bp, options, err := h.forkService.NextBranchPoint(c.Param("public_id"))
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	if bp == nil {
		h.response.Success(c, gin.H{"finished": true})
		return
	}
	h.response.Success(c, gin.H{
		"finished":     false,
		"branch_point": bp,
		"options":      options,
	})
}

// Choose 执行读者选择并生成新章节
func (h *Handler) Choose(c *gin.Context) {
	var body struct {
		OptionID int64 `json:"option_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	result, err := h.forkService.Choose(c.Request.Context(), c.Param("public_id"), body.OptionID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Created(c, result, "新章节已生成")
}

// Rollback 回滚分支到指定章节
func (h *Handler) Rollback(c *gin.Context) {
	var body struct {
		SegmentID int64 `json:"segment_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	if err := h.forkService.Rollback(c.Param("public_id"), body.SegmentID); err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, nil, "分支已回滚")
}

// ExportFork 导出分支全文
func (h *Handler) ExportFork(c *gin.Context) {
	format := c.DefaultQuery("format", "markdown")
	result, err := h.exportService.ExportFork(c.Param("public_id"), format)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, result)
}

// ===============================
// 摘要缓存
// ===============================

// BackfillSummaries 为分支补齐缺失摘要
func (h *Handler) BackfillSummaries(c *gin.Context) {
	fork, err := h.forkService.GetFork(c.Param("public_id"))
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}

	done, err := h.summaryService.Backfill(c.Request.Context(), fork.ID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, gin.H{"summarized": done})
}

// GetSummaryStatus 返回分支的摘要覆盖情况
func (h *Handler) GetSummaryStatus(c *gin.Context) {
	fork, err := h.forkService.GetFork(c.Param("public_id"))
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}

	status, err := h.summaryService.CacheStatus(fork.ID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, status)
}

// ===============================
// 实体与关系图
// ===============================

// GetEntityGraph 返回故事的实体关系图。
// 带segment_id查询参数时只返回该章节出场实体的子图
func (h *Handler) GetEntityGraph(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	if raw := c.Query("segment_id"); raw != "" {
		segmentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.response.BadRequest(c, "无效的章节ID", raw)
			return
		}
		graph, err := h.graphService.BuildGraphForSegment(storyID, segmentID)
		if err != nil {
			h.response.HandleServiceError(c, err)
			return
		}
		h.response.Success(c, graph)
		return
	}

	graph, err := h.graphService.BuildGraph(storyID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, graph)
}

// GetRelatedEntities 返回与实体有活跃关系的实体，可按最低强度过滤
func (h *Handler) GetRelatedEntities(c *gin.Context) {
	entityID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	minStrength := 1
	if raw := c.Query("min_strength"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			h.response.BadRequest(c, "无效的强度阈值", raw)
			return
		}
		minStrength = v
	}

	related, err := h.graphService.RelatedEntities(entityID, minStrength)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, related)
}

// GetEntityDetail 返回单个实体的出场轨迹
func (h *Handler) GetEntityDetail(c *gin.Context) {
	entityID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.graphService.GetEntityDetail(entityID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, detail)
}

// ===============================
// 时间线
// ===============================

// ListTimelines 列出故事的全部时间线
func (h *Handler) ListTimelines(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	timelines, err := h.timelineService.ListTimelines(storyID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, timelines)
}

// GetTimeline 返回时间线及其章节映射
func (h *Handler) GetTimeline(c *gin.Context) {
	timelineID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	timeline, mappings, err := h.timelineService.GetTimelineView(timelineID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, gin.H{
		"timeline": timeline,
		"mappings": mappings,
	})
}

// CreateBranchTimeline 在指定章节分叉新时间线
func (h *Handler) CreateBranchTimeline(c *gin.Context) {
	storyID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		SegmentID   int64  `json:"segment_id" binding:"required"`
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
		BranchPoint string `json:"branch_point"`
		Probability int    `json:"probability"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	branch, err := h.timelineService.CreateBranchTimeline(storyID, body.SegmentID,
		body.Name, body.Description, body.BranchPoint, body.Probability)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Created(c, branch, "分叉时间线已创建")
}

// MergeTimelines 把源时间线并入目标时间线
func (h *Handler) MergeTimelines(c *gin.Context) {
	sourceID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		TargetID int64 `json:"target_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	target, err := h.timelineService.MergeTimelines(sourceID, body.TargetID)
	if err != nil {
		h.response.HandleServiceError(c, err)
		return
	}
	h.response.Success(c, target)
}

// ===============================
// 设置与状态
// ===============================

// GetSettings 返回当前LLM配置，密钥不回显
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	h.response.Success(c, gin.H{
		"provider":    cfg.LLMProvider,
		"model":       cfg.LLMModel,
		"base_url":    cfg.BaseURL,
		"ready":       h.llmService.IsReady(),
		"ready_state": h.llmService.GetReadyState(),
		"has_api_key": cfg.LLMAPIKey != "",
	})
}

// UpdateSettings 更新LLM配置并切换提供者
func (h *Handler) UpdateSettings(c *gin.Context) {
	var body struct {
		Provider string `json:"provider" binding:"required"`
		APIKey   string `json:"api_key" binding:"required"`
		Model    string `json:"model"`
		BaseURL  string `json:"base_url"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	providerConfig := map[string]string{
		"api_key":       body.APIKey,
		"default_model": body.Model,
		"base_url":      body.BaseURL,
	}
	if err := h.llmService.UpdateProvider(body.Provider, providerConfig); err != nil {
		h.response.Error(c, 400, ErrorLLMConfigInvalid, "LLM配置无效", err.Error())
		return
	}
	if err := config.UpdateLLMConfig(body.Provider, body.APIKey, body.Model, body.BaseURL); err != nil {
		h.logger.Warn("LLM配置持久化失败", map[string]interface{}{
			"error": err.Error(),
		})
	}
	h.response.Success(c, gin.H{"provider": body.Provider}, "LLM配置已更新")
}

// GetMetrics 返回运行指标
func (h *Handler) GetMetrics(c *gin.Context) {
	h.response.Success(c, utils.GetMetricsCollector().GetMetrics())
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	h.response.Success(c, gin.H{
		"status":      "ok",
		"llm_ready":   h.llmService.IsReady(),
		"ready_state": h.llmService.GetReadyState(),
	})
}

// pathID 解析路径里的数字ID，失败时写入400响应
func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.response.BadRequest(c, "无效的ID: "+c.Param(name))
		return 0, false
	}
	return id, true
}
