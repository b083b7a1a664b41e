// internal/api/websocket.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// 生产环境应收紧来源检查
		return true
	},
}

const wsWriteTimeout = 10 * time.Second

// wsChooseRequest 是流式续写的入站消息
type wsChooseRequest struct {
	OptionID int64 `json:"option_id"`
}

// wsMessage 是流式续写的出站消息
type wsMessage struct {
	Type    string      `json:"type"` // chunk / done / error
	Text    string      `json:"text,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// StreamChoose 通过WebSocket流式执行读者选择。
// 客户端连上后发送 {"option_id": N}，服务端持续推送chunk，
// 生成结束落库后推送done并关闭连接。
func (h *Handler) StreamChoose(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	publicID := c.Param("public_id")

	var req wsChooseRequest
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil || req.OptionID <= 0 {
		h.writeWS(conn, wsMessage{Type: "error", Message: "无效的选择请求"})
		return
	}

	stream, commit, err := h.forkService.StreamChoose(c.Request.Context(), publicID, req.OptionID)
	if err != nil {
		h.writeWS(conn, wsMessage{Type: "error", Message: err.Error()})
		return
	}

	// 客户端断开后仍继续消费流，保证生成结果落库
	var content strings.Builder
	clientGone := false
	for chunk := range stream {
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			if !clientGone {
				if err := h.writeWS(conn, wsMessage{Type: "chunk", Text: chunk.Text}); err != nil {
					h.logger.Warn("WebSocket推送失败", map[string]interface{}{
						"fork": publicID, "error": err.Error(),
					})
					clientGone = true
				}
			}
		}
	}

	result, err := commit(content.String())
	if err != nil {
		h.writeWS(conn, wsMessage{Type: "error", Message: "章节落库失败"})
		return
	}
	h.writeWS(conn, wsMessage{Type: "done", Data: result})
}

func (h *Handler) writeWS(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
