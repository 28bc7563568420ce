// Package audit 记录协作通道的安全相关事件：连接接入与拒绝、
// 权限拒绝、限流断开。日志为 JSONL 格式并自动轮转。
package audit

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 安全审计记录器
type Logger struct {
	logger *log.Logger
	closer io.Closer
}

// New 创建带自动轮转的审计记录器
func New(logPath string) *Logger {
	writer := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // 天
		Compress:   true,
	}

	return &Logger{
		logger: log.New(writer, "", 0), // 时间戳由记录自带
		closer: writer,
	}
}

// NewWithWriter 写入任意 writer，测试用
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{logger: log.New(w, "", 0)}
}

// LogConnectionEvent 记录一次连接生命周期事件。detail 为空表示正常事件，
// 否则为机器可读的失败代码。
func (l *Logger) LogConnectionEvent(event, userID, documentID, connID, detail string) {
	record := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"event":       event,
		"user_id":     userID,
		"document_id": documentID,
	}
	if connID != "" {
		record["conn_id"] = connID
	}
	if detail != "" {
		record["detail"] = detail
	}

	data, _ := json.Marshal(record)
	l.logger.Println(string(data))
}

// Close 关闭底层日志文件
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
