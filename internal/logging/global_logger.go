// Package logging configures the process-wide logrus logger, its optional
// rotating file output and the gin request logging middleware.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogFileName = "keyrotor.log"
	requestIDField     = "request_id"
)

var (
	setupOnce  sync.Once
	writerMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders entries as "[time] [request-id] [level] [file:line] message key=value...".
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data[requestIDField].(string); ok && id != "" {
		reqID = id
	}
	caller := "-"
	if entry.HasCaller() {
		caller = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	message := strings.TrimRight(entry.Message, "\r\n")

	fmt.Fprintf(buffer, "[%s] [%s] [%-5s] [%s] %s",
		entry.Time.Format("2006-01-02 15:04:05"), reqID, entry.Level.String(), caller, message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == requestIDField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buffer, " %s=%v", k, entry.Data[k])
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// SetupBaseLogger installs the formatter and caller reporting on the standard logger.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
	})
}

// SetLogLevel parses level and applies it, falling back to info for unknown values.
// debug forces the debug level.
func SetLogLevel(level string, debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// ConfigureLogOutput routes log output either to stdout or to a rotating file under logDir.
func ConfigureLogOutput(toFile bool, logDir string) error {
	writerMu.Lock()
	defer writerMu.Unlock()

	if !toFile {
		closeFileWriterLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := strings.TrimSpace(logDir)
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	closeFileWriterLocked()
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, defaultLogFileName),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	return nil
}

// CloseLogOutputs releases the rotating file writer, if any.
func CloseLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()
	closeFileWriterLocked()
}

func closeFileWriterLocked() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}
