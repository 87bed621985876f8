// Package core sets up the daemon-wide logger.
package core

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
)

// Formatter renders log lines with level-colored output and caller info.
type Formatter struct{}

const (
	red    = 31
	yellow = 33
	blue   = 36
	gray   = 37
)

func (Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelColor int
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		levelColor = gray
	case logrus.WarnLevel:
		levelColor = yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = red
	default:
		levelColor = blue
	}
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if entry.HasCaller() {
		fileVal := fmt.Sprintf("%s:%d", path.Base(entry.Caller.File), entry.Caller.Line)
		fmt.Fprintf(b, "[%s] \x1b[%dm[%s]\x1b[0m [%s] \x1b[%dm%s\x1b[0m", timestamp, levelColor, entry.Level, fileVal, levelColor, entry.Message)
	} else {
		fmt.Fprintf(b, "[%s] \x1b[%dm[%s]\x1b[0m \x1b[%dm%s\x1b[0m", timestamp, levelColor, entry.Level, levelColor, entry.Message)
	}
	for k, v := range entry.Data {
		fmt.Fprintf(b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// InitLogger configures the package-level logrus logger. debug raises the
// level to Debug; otherwise the daemon logs at Info and above.
func InitLogger(debug bool) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.SetReportCaller(true)
	logrus.SetFormatter(Formatter{})
	logrus.AddHook(&fileHook{logPath: "logs"})
}

// fileHook mirrors every log entry to a date-sharded file on disk, with
// error-and-above entries duplicated into a separate err.log.
type fileHook struct {
	file    *os.File
	errFile *os.File
	date    string
	logPath string
	mu      sync.Mutex
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, err := entry.String()
	if err != nil {
		return err
	}
	date := entry.Time.Format("2006-01-02")
	if h.date != date || h.file == nil {
		if err := h.rotate(date); err != nil {
			return err
		}
		h.date = date
	}
	if entry.Level <= logrus.ErrorLevel && h.errFile != nil {
		_, _ = h.errFile.WriteString(msg)
	}
	if h.file != nil {
		_, _ = h.file.WriteString(msg)
	}
	return nil
}

func (h *fileHook) rotate(date string) error {
	if h.file != nil {
		h.file.Close()
	}
	if h.errFile != nil {
		h.errFile.Close()
	}
	dir := fmt.Sprintf("%s/%s", h.logPath, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(fmt.Sprintf("%s/info.log", dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(fmt.Sprintf("%s/err.log", dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		file.Close()
		return err
	}
	h.file = file
	h.errFile = errFile
	return nil
}

func (*fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
