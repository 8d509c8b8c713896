package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	FATAL Level = iota
	ERROR
	WARNING
	INFO
	TRACE
)

var levelStr = [...]string{"FATAL", "ERROR", "WARNING", "INFO", "TRACE"}

// String 返回日志级别名称
func (l Level) String() string {
	if l < FATAL || l > TRACE {
		return "UNKNOWN"
	}
	return levelStr[l]
}

// ParseLevel 解析配置中的日志级别，未知值返回INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FATAL":
		return FATAL
	case "ERROR":
		return ERROR
	case "WARNING", "WARN":
		return WARNING
	case "TRACE", "DEBUG":
		return TRACE
	default:
		return INFO
	}
}

type Logger struct {
	mu       sync.Mutex
	level    Level
	logger   *log.Logger
	file     *os.File
	filePath string
	maxSize  int64 // 单位: 字节
	toStdout bool
}

var defaultLogger = &Logger{
	level:    INFO,
	logger:   log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile),
	toStdout: true,
}

// InitLogger 初始化日志，filePath为空则输出到终端，否则输出到文件
func InitLogger(level Level, filePath string, maxSizeMB int64, toStdout bool) error {
	var output io.Writer
	var file *os.File
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		file = f
		output = file
		if toStdout {
			output = io.MultiWriter(file, os.Stdout)
		}
	} else {
		output = os.Stdout
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if defaultLogger.file != nil {
		_ = defaultLogger.file.Close()
	}
	defaultLogger.level = level
	defaultLogger.logger = log.New(output, "", log.Ldate|log.Ltime|log.Lshortfile)
	defaultLogger.file = file
	defaultLogger.filePath = filePath
	defaultLogger.maxSize = maxSizeMB * 1024 * 1024
	defaultLogger.toStdout = toStdout
	return nil
}

// SetOutput 将日志重定向到指定writer，测试中用于捕获输出
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.logger.SetOutput(w)
	defaultLogger.filePath = ""
}

// SetLevel 调整日志级别
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// GetLevel 返回当前日志级别
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Close 关闭日志文件
func Close() error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if defaultLogger.file == nil {
		return nil
	}
	err := defaultLogger.file.Close()
	defaultLogger.file = nil
	defaultLogger.logger.SetOutput(os.Stdout)
	return err
}

func (l *Logger) rotateIfNeeded() {
	if l.file == nil || l.filePath == "" || l.maxSize <= 0 {
		return
	}
	info, err := l.file.Stat()
	if err != nil || info.Size() < l.maxSize {
		return
	}
	if err = l.file.Close(); err != nil {
		return
	}
	backupName := l.filePath + "." + time.Now().Format("20060102_150405")
	_ = os.Rename(l.filePath, backupName)
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.file = nil
		l.logger.SetOutput(os.Stdout)
		return
	}
	l.file = file
	if l.toStdout {
		l.logger.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		l.logger.SetOutput(file)
	}
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}
	l.rotateIfNeeded()
	l.logger.SetPrefix("[" + levelStr[level] + "] ")
	if err := l.logger.Output(3, formatLog(format, v...)); err != nil {
		return
	}
	if level == FATAL {
		os.Exit(1)
	}
}

func formatLog(format string, v ...interface{}) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}

// Fatal 对外接口
func Fatal(format string, v ...interface{})   { defaultLogger.logf(FATAL, format, v...) }
func Error(format string, v ...interface{})   { defaultLogger.logf(ERROR, format, v...) }
func Warning(format string, v ...interface{}) { defaultLogger.logf(WARNING, format, v...) }
func Info(format string, v ...interface{})    { defaultLogger.logf(INFO, format, v...) }
func Trace(format string, v ...interface{})   { defaultLogger.logf(TRACE, format, v...) }
