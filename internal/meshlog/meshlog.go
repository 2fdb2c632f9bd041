// Package meshlog is the node's console logger: colored, leveled, and
// tagged with the node's own NodeId once the addressing protocol assigns
// one. Adapted from pkg/logger/logger.go, the teacher's own dependency-free
// logger — no logging framework appears anywhere in the example pack's
// go.mod files the teacher itself pulls in, so none is introduced here
// either.
package meshlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// ANSI color codes.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

// Log levels.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSuccess
)

type logger struct {
	level      int
	timeFormat string
	showTime   bool
}

var defaultLogger = &logger{level: LevelInfo, timeFormat: "15:04:05", showTime: true}

// nodeTag holds the current node id as a pre-rendered "[node N] " prefix, or "" if
// unassigned; stored atomically since HandleIssueID/addressing can set it
// from a different goroutine than the one doing the logging.
var nodeTag atomic.Value

func init() {
	nodeTag.Store("")
}

// SetNodeId tags every subsequent log line with the node's assigned id.
func SetNodeId(id int) {
	nodeTag.Store(fmt.Sprintf("[node %d] ", id))
}

func SetLevel(level int) { defaultLogger.level = level }

func (l *logger) format(color, prefix, message string) string {
	timestamp := ""
	if l.showTime {
		timestamp = fmt.Sprintf("%s[%s]%s ", ColorGray, time.Now().Format(l.timeFormat), ColorReset)
	}
	tag, _ := nodeTag.Load().(string)
	return fmt.Sprintf("%s%s%s[%s]%s %s", timestamp, tag, color, prefix, ColorReset, message)
}

func Debug(format string, args ...interface{}) {
	if defaultLogger.level <= LevelDebug {
		log.Println(defaultLogger.format(ColorGray, "DEBUG", fmt.Sprintf(format, args...)))
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger.level <= LevelInfo {
		log.Println(defaultLogger.format(ColorWhite, "INFO", fmt.Sprintf(format, args...)))
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger.level <= LevelWarn {
		log.Println(defaultLogger.format(ColorYellow, "WARN", fmt.Sprintf(format, args...)))
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger.level <= LevelError {
		log.Println(defaultLogger.format(ColorRed, "ERROR", fmt.Sprintf(format, args...)))
	}
}

func Success(format string, args ...interface{}) {
	if defaultLogger.level <= LevelSuccess {
		log.Println(defaultLogger.format(ColorGreen, "SUCCESS", fmt.Sprintf(format, args...)))
	}
}

func Fatal(format string, args ...interface{}) {
	log.Println(defaultLogger.format(ColorRed, "FATAL", fmt.Sprintf(format, args...)))
	os.Exit(1)
}

// Section prints a section header; cmd/meshnode prints one before it waits
// for the node to join the mesh.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application startup banner.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                             ║
║   ███╗   ███╗███████╗███████╗██╗  ██╗                      ║
║   ████╗ ████║██╔════╝██╔════╝██║  ██║                      ║
║   ██╔████╔██║█████╗  ███████╗███████║                      ║
║   ██║╚██╔╝██║██╔══╝  ╚════██║██╔══██║                      ║
║   ██║ ╚═╝ ██║███████╗███████║██║  ██║                      ║
║   ╚═╝     ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝                      ║
║                                                             ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                        ║
║                                                             ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
