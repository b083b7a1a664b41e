// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/narrforge/narrforge/internal/api"
	"github.com/narrforge/narrforge/internal/app"
	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/di"
	"github.com/narrforge/narrforge/internal/utils"

	_ "github.com/narrforge/narrforge/internal/llm/providers/anthropic"
	_ "github.com/narrforge/narrforge/internal/llm/providers/openai"
	_ "github.com/narrforge/narrforge/internal/llm/providers/openrouter"
)

func main() {
	log.Println("🚀 启动 NarrForge 服务器...")

	// 1. 加载基础配置
	baseConfig := config.Load()
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 初始化配置系统（目录创建与持久化配置合并）
	if err := config.InitConfig(); err != nil {
		log.Fatalf("初始化配置系统失败: %v", err)
	}
	log.Println("✅ 配置系统初始化完成")

	// 3. 初始化日志
	logFile := fmt.Sprintf("%s/server_%s.log", baseConfig.LogDir, time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 结构化日志初始化失败: %v", err)
	}
	if baseConfig.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	// 4. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 5. 健康检查与路由
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 6. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 访问地址: http://localhost:%s/api/health", baseConfig.Port)

	setupGracefulShutdown(router, baseConfig.Port)
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	criticalServices := []string{"store", "llm", "story", "fork", "prompt_builder"}
	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// 优雅关闭函数
func setupGracefulShutdown(router *gin.Engine, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}
	if err := app.GetApp().Shutdown(); err != nil {
		log.Printf("⚠️ 资源释放失败: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}
