package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// logMu 初始化/切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留旧日志文件的天数
	Compress   bool   // 是否压缩旧日志文件
}

func init() {
	// 未显式 Init 时也可用（测试、工具进程）
	Logger = logrus.New()
	Logger.SetFormatter(defaultFormatter())
	Logger.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(defaultFormatter())
}

func defaultFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	}
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(defaultFormatter())

	// 设置输出：控制台 + 可选的轮转文件
	if config.OutputFile != "" {
		if dir := filepath.Dir(config.OutputFile); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    maxOr(config.MaxSize, 100),
			MaxBackups: maxOr(config.MaxBackups, 7),
			MaxAge:     maxOr(config.MaxAge, 14),
			Compress:   config.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	} else {
		logger.SetOutput(os.Stdout)
	}

	Logger = logger

	// 同步标准 logrus 实例，组件级 logrus.WithField 走同一配置
	logrus.SetLevel(level)
	logrus.SetFormatter(defaultFormatter())
	logrus.SetOutput(logger.Out)
	return nil
}

func maxOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// WithComponent 返回带 component 字段的 entry
func WithComponent(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// Debug 输出 debug 日志
func Debug(args ...interface{}) { Logger.Debug(args...) }

// Debugf 输出格式化 debug 日志
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

// Info 输出 info 日志
func Info(args ...interface{}) { Logger.Info(args...) }

// Infof 输出格式化 info 日志
func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

// Warn 输出 warn 日志
func Warn(args ...interface{}) { Logger.Warn(args...) }

// Warnf 输出格式化 warn 日志
func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

// Error 输出 error 日志
func Error(args ...interface{}) { Logger.Error(args...) }

// Errorf 输出格式化 error 日志
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
