package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const formatEnv = "STAGEHAND_LOG_FORMAT"

var (
	logFormatOnce sync.Once
	logAsJSON     bool
	debugOnce     sync.Once
	debugEnabled  bool
)

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a warning.
func Warn(component, msg string, kv ...interface{}) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit("ERROR", component, msg, kv...)
}

// Debug logs only when STAGEHAND_DEBUG is set.
func Debug(component, msg string, kv ...interface{}) {
	debugOnce.Do(func() {
		v := strings.ToLower(strings.TrimSpace(os.Getenv("STAGEHAND_DEBUG")))
		debugEnabled = v == "1" || v == "true" || v == "yes"
	})
	if !debugEnabled {
		return
	}
	emit("DEBUG", component, msg, kv...)
}

func emit(level, component, msg string, kv ...interface{}) {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(formatEnv)), "json")
	})
	if logAsJSON {
		log.Print(jsonLine(level, component, msg, kv...))
		return
	}
	prefix := ""
	if level != "INFO" {
		prefix = level + " "
	}
	log.Printf("[%s] %s%s%s", strings.ToUpper(component), prefix, msg, formatFields(kv...))
}

func jsonLine(level, component, msg string, kv ...interface{}) string {
	payload := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"component": component,
		"msg":       msg,
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		switch v := kv[i+1].(type) {
		case error:
			payload[key] = v.Error()
		case fmt.Stringer:
			payload[key] = v.String()
		default:
			payload[key] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"msg":%q}`, level, component, msg)
	}
	return string(data)
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		s := strings.TrimSpace(fmt.Sprintf("%v", t))
		return strings.NewReplacer("\n", " ", "\t", " ").Replace(s)
	}
}
