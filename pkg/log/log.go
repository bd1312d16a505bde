package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Log Level
type Level int

// Log Levels
//
// Arranged from most to least verbose
const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	QUIET
)

var (
	mu      sync.Mutex
	level   Level     = WARN
	logfile *os.File  = nil
	stdout  io.Writer = os.Stdout
	stderr  io.Writer = os.Stderr

	levelNames = [6]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "QUIET"}
)

func (l Level) String() string {
	if l < TRACE || l > QUIET {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return QUIET, fmt.Errorf("invalid log level: %q", s)
}

func SetLevel(l Level) error {
	switch l {
	case TRACE, DEBUG, INFO, WARN, ERROR, QUIET:
		mu.Lock()
		level = l
		mu.Unlock()
		Debugf("set log level to %s", l)
		return nil
	}
	return fmt.Errorf("invalid log level: %d", l)
}

func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetOutput replaces the console writers. Passing nil keeps the current writer.
func SetOutput(out, errOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

// Init sets the level and, when filePath is not empty, appends every
// message to that file regardless of the console level.
func Init(filePath string, lvl Level) error {
	var f *os.File
	if filePath != "" {
		var err error
		f, err = os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if logfile != nil {
		_ = logfile.Close()
	}
	logfile = f
	level = lvl
	return nil
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logfile == nil {
		return nil
	}
	err := logfile.Close()
	logfile = nil
	return err
}

func log(lvl Level, msg string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s [%s] %s", ts, levelNames[lvl], strings.TrimRight(msg, "\n")) + "\n"

	mu.Lock()
	defer mu.Unlock()

	if logfile != nil {
		_, _ = logfile.Write([]byte(line))
	}

	if lvl < level {
		return
	}

	switch lvl {
	case TRACE, DEBUG, INFO:
		fmt.Fprint(stdout, line)
	case WARN, ERROR:
		fmt.Fprint(stderr, line)
	}
}

func Trace(v ...any) { log(TRACE, fmt.Sprint(v...)) }
func Debug(v ...any) { log(DEBUG, fmt.Sprint(v...)) }
func Info(v ...any)  { log(INFO, fmt.Sprint(v...)) }
func Warn(v ...any)  { log(WARN, fmt.Sprint(v...)) }
func Error(v ...any) { log(ERROR, fmt.Sprint(v...)) }
func Fatal(v ...any) { log(ERROR, fmt.Sprint(v...)); os.Exit(1) }

func Tracef(format string, v ...any) { log(TRACE, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...any) { log(DEBUG, fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { log(INFO, fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { log(WARN, fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { log(ERROR, fmt.Sprintf(format, v...)) }
func Fatalf(format string, v ...any) {
	log(ERROR, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func Debugln(v ...any) { log(DEBUG, fmt.Sprintln(v...)) }
func Infoln(v ...any)  { log(INFO, fmt.Sprintln(v...)) }
func Warnln(v ...any)  { log(WARN, fmt.Sprintln(v...)) }
func Errorln(v ...any) { log(ERROR, fmt.Sprintln(v...)) }
func Fatalln(v ...any) {
	log(ERROR, fmt.Sprintln(v...))
	os.Exit(1)
}
