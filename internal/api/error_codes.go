// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"

	// 故事相关错误
	ErrorStoryNotFound      = "STORY_NOT_FOUND"
	ErrorStoryCreateFailed  = "STORY_CREATE_FAILED"
	ErrorBranchPointInvalid = "BRANCH_POINT_INVALID"

	// 分支相关错误
	ErrorForkNotFound    = "FORK_NOT_FOUND"
	ErrorChoiceInvalid   = "CHOICE_INVALID"
	ErrorRollbackInvalid = "ROLLBACK_INVALID"

	// 实体与时间线相关错误
	ErrorEntityNotFound   = "ENTITY_NOT_FOUND"
	ErrorTimelineNotFound = "TIMELINE_NOT_FOUND"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorGenerationFailed      = "GENERATION_FAILED"
)
