package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/offline-hub/internal/config"
)

// ServiceName 写入每条日志的 service 字段，多个实例共用日志收集时据此区分。
const ServiceName = "offline-hub"

// InitLogger 根据全局配置初始化 JSON 结构化日志。
// 每条日志都会带上 service 与 storage_backend，排查离线命中问题时无需再关联启动日志。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	sink, sinkErr := openSink(cfg)
	if sinkErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", sinkErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(sink.writer)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(newServiceHook(cfg))

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if sinkErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(sinkErr.Error())
	} else {
		logger.WithFields(logrus.Fields{
			"action": "logger_ready",
			"target": sink.target,
		}).Debug("日志输出就绪")
	}

	return logger, nil
}

// sink 记录实际的日志输出以及便于展示的目标描述。
type sink struct {
	writer io.Writer
	target string
}

var stdoutSink = sink{writer: os.Stdout, target: "stdout"}

// openSink 根据配置创建日志输出；目录不可用或路径指向目录时降级到 stdout 并返回错误。
func openSink(cfg config.GlobalConfig) (sink, error) {
	if cfg.LogFilePath == "" {
		return stdoutSink, nil
	}

	if info, err := os.Stat(cfg.LogFilePath); err == nil && info.IsDir() {
		return stdoutSink, fmt.Errorf("日志路径是目录: %s", cfg.LogFilePath)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return stdoutSink, fmt.Errorf("创建日志目录失败: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return sink{writer: rotator, target: "file:" + cfg.LogFilePath}, nil
}

// serviceHook 为所有日志补充实例级字段，不覆盖调用方显式设置的同名字段。
type serviceHook struct {
	fields logrus.Fields
}

func newServiceHook(cfg config.GlobalConfig) *serviceHook {
	backend := cfg.StorageBackend
	if backend == "" {
		backend = config.BackendBolt
	}
	return &serviceHook{fields: logrus.Fields{
		"service":         ServiceName,
		"storage_backend": backend,
	}}
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, exists := entry.Data[key]; !exists {
			entry.Data[key] = value
		}
	}
	return nil
}
