// cmd/seed/main.go
// 命令行工具：向数据库写入一套示例故事档案，方便本地联调。
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/narrforge/narrforge/internal/app"
	"github.com/narrforge/narrforge/internal/config"
	"github.com/narrforge/narrforge/internal/di"
	"github.com/narrforge/narrforge/internal/services"

	_ "github.com/narrforge/narrforge/internal/llm/providers/anthropic"
	_ "github.com/narrforge/narrforge/internal/llm/providers/openai"
	_ "github.com/narrforge/narrforge/internal/llm/providers/openrouter"
)

func main() {
	withFork := flag.Bool("fork", false, "同时为示例故事开一条阅读分支")
	flag.Parse()

	config.Load()
	if err := config.InitConfig(); err != nil {
		log.Fatalf("初始化配置失败: %v", err)
	}
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer app.GetApp().Shutdown()

	container := di.GetContainer()
	storyService := container.Get("story").(*services.StoryService)
	forkService := container.Get("fork").(*services.ForkService)

	story, err := storyService.CreateStory(sampleStory())
	if err != nil {
		log.Fatalf("建档失败: %v", err)
	}
	fmt.Printf("✅ 示例故事已建档: id=%d title=%s\n", story.ID, story.Title)

	for _, bp := range sampleBranchPoints() {
		created, err := storyService.AddBranchPoint(story.ID, bp)
		if err != nil {
			log.Fatalf("创建分叉点失败: %v", err)
		}
		fmt.Printf("  · 分叉点 #%d %s\n", created.SortOrder, created.Title)
	}

	if *withFork {
		fork, err := forkService.CreateFork(story.ID, "seed_reader")
		if err != nil {
			log.Fatalf("开分支失败: %v", err)
		}
		fmt.Printf("✅ 阅读分支已创建: %s\n", fork.PublicID)
	}
}

func sampleStory() services.StoryInput {
	return services.StoryInput{
		Title:        "雾都孤影",
		StorySummary: "侦探沈默受托调查雾都连环失踪案，线索指向城中最古老的钟楼。",
		OpeningMarkdown: "雾气像潮水一样漫过石板街。沈默站在钟楼下，抬头望着那扇" +
			"从不亮灯的窗。口袋里的怀表停在了午夜十二点，和三天前失踪的" +
			"修表匠留下的每一块表一样。",
		ReadmeMarkdown: "本故事发生在架空的维多利亚风雾都。超自然元素真实存在，" +
			"但大多数市民并不知情。钟楼是城中禁地，由守夜人世代看管。",
		IntentKeywords: services.StoryKeywords{
			Complex: []string{"钟楼", "怀表", "守夜人"},
			Simple:  []string{"巡街", "问路"},
		},
		Characters: []services.CharacterInput{
			{Name: "沈默", Description: "私家侦探，观察力过人，不信鬼神", SortOrder: 1},
			{Name: "守夜人老周", Description: "钟楼看管人，知道太多秘密", SortOrder: 2},
			{Name: "艾琳", Description: "失踪修表匠的女儿，委托人", SortOrder: 3},
		},
		Terms: []services.TermInput{
			{Name: "钟楼", Definition: "城中最古老的建筑，午夜钟声停摆已十年", TermType: "place", SortOrder: 1},
			{Name: "停摆怀表", Definition: "失踪者遗留的怀表，全部停在十二点", TermType: "item", SortOrder: 2},
			{Name: "守夜人", Definition: "世代看管钟楼的隐秘职位", TermType: "concept", SortOrder: 3},
		},
	}
}

func sampleBranchPoints() []services.BranchPointInput {
	return []services.BranchPointInput{
		{
			Title:     "深夜的钟楼门开了一条缝",
			SortOrder: 1,
			Options: []services.OptionInput{
				{Label: "推门进入钟楼", InfluenceNotes: "直面危险，加速主线"},
				{Label: "先去找守夜人老周问话", InfluenceNotes: "获得背景信息，延后冲突"},
			},
		},
		{
			Title:     "老周递来一把生锈的钥匙",
			SortOrder: 2,
			Options: []services.OptionInput{
				{Label: "收下钥匙", InfluenceNotes: "与守夜人结盟"},
				{Label: "拒绝并独自调查", InfluenceNotes: "保持独立，错失保护"},
			},
		},
	}
}
