package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Levels understood by Log, in increasing severity.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	minLevel atomic.Int32
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel drops entries below level. Unknown levels reset to info.
func SetLevel(level string) {
	minLevel.Store(int32(severity(level)))
}

func severity(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelDebug:
		return -1
	case LevelWarn, "warning":
		return 1
	case LevelError:
		return 2
	default:
		return 0
	}
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Log writes one JSON line with ts, level and msg plus the given fields.
func Log(level, msg string, fields map[string]any) {
	if severity(level) < int(minLevel.Load()) {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	LogRequest(entry)
}

func Info(msg string, fields map[string]any)  { Log(LevelInfo, msg, fields) }
func Warn(msg string, fields map[string]any)  { Log(LevelWarn, msg, fields) }
func Error(msg string, fields map[string]any) { Log(LevelError, msg, fields) }
