package common

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance. If SetupLogger hasn't
// been called yet, it returns a fallback console logger.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(createWriterConfig(nil, models.LogWriterTypeConsole, ""))
		globalLogger.Warn().Msg("using fallback logger - SetupLogger should be called during startup")
	}
	return globalLogger
}

// InitLogger stores the provided logger as the global singleton.
func InitLogger(logger arbor.ILogger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// SetupLogger configures and installs the global logger from config.
func SetupLogger(config *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFileOutput := false
	hasStdoutOutput := false
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			hasFileOutput = true
		case "stdout", "console":
			hasStdoutOutput = true
		}
	}

	if hasFileOutput {
		logPath := config.Logging.FilePath
		if logPath == "" {
			logPath = "./logs/crawlkeeper.log"
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			tempLogger := logger.WithConsoleWriter(createWriterConfig(config, models.LogWriterTypeConsole, ""))
			tempLogger.Warn().Err(err).Str("logs_dir", filepath.Dir(logPath)).Msg("failed to create logs directory")
		} else {
			logger = logger.WithFileWriter(createWriterConfig(config, models.LogWriterTypeFile, logPath))
		}
	}

	if hasStdoutOutput {
		logger = logger.WithConsoleWriter(createWriterConfig(config, models.LogWriterTypeConsole, ""))
	}

	if !hasFileOutput && !hasStdoutOutput {
		logger = logger.WithConsoleWriter(createWriterConfig(config, models.LogWriterTypeConsole, ""))
		logger.Warn().Strs("configured_outputs", config.Logging.Output).Msg("no visible log outputs configured - falling back to console")
	}

	logger = logger.WithLevelFromString(config.Logging.Level)

	InitLogger(logger)
	return logger
}

func createWriterConfig(config *Config, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	if config != nil && config.Logging.TimeFormat != "" {
		timeFormat = config.Logging.TimeFormat
	}

	return models.WriterConfiguration{
		Type:             writerType,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// Stop flushes any remaining log writers before shutdown. Safe to call
// multiple times.
func Stop() {
	arborcommon.Stop()
}

// TruncateError renders an error's first line only, so a multi-line
// chromedp or SQLite error doesn't blow out a JobRecord's error column.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for i, r := range msg {
		if r == '\n' {
			return msg[:i]
		}
	}
	return msg
}
