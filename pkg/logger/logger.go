package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "06-01-02 15:04:05" // yy-mm-dd HH:MM:ss

var (
	// Logger 全局日志实例
	Logger *logrus.Logger

	currentLogFile string
	fileWriter     *lumberjack.Logger
	logMu          sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text（默认）或 json
	OutputFile string // 为空则只输出到控制台
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
	DailyFile  bool      // 按日期命名日志文件：logs/session_2026-10-19.log
	Console    io.Writer // 默认 os.Stdout
}

// DailyFileName 返回某天的日志文件名
func DailyFileName(basePath string, day time.Time) string {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s_%s%s", base[:len(base)-len(ext)], day.Format("2006-01-02"), ext)
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func newFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		ForceColors:     true,
	}
}

// Init 初始化日志系统；同时设置全局 logrus，使各组件的 logrus.WithField 也写入文件
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	console := config.Console
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{console}

	if config.OutputFile != "" {
		path := config.OutputFile
		if config.DailyFile {
			path = DailyFileName(config.OutputFile, time.Now())
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if fileWriter != nil {
			_ = fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
		currentLogFile = path
	}

	out := io.MultiWriter(writers...)
	formatter := newFormatter(config.Format)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)

	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)

	Logger = logger
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/deritrader.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		DailyFile:  true,
	})
}

// Close 关闭日志文件
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
