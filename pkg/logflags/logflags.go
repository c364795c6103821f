package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var walker = false
var image = false
var dap = false
var script = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return walker || image || dap || script
}

// Walker returns true if the chain walker should log its progress.
func Walker() bool {
	return walker
}

// WalkerLogger returns a logger for the chain walker.
func WalkerLogger() Logger {
	return makeFlaggableLogger(walker, Fields{"layer": "walker"})
}

// Image returns true if the image loader should log.
func Image() bool {
	return image
}

// ImageLogger returns a logger for the image loader.
func ImageLogger() Logger {
	return makeFlaggableLogger(image, Fields{"layer": "image"})
}

// DAP returns true if all messages exchanged with a DAP server should be
// logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a configured logger for the DAP wire protocol.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// Script returns true if the starlark environment should log.
func Script() bool {
	return script
}

// ScriptLogger returns a logger for the starlark environment.
func ScriptLogger() Logger {
	return makeFlaggableLogger(script, Fields{"layer": "script"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr. If logDest
// is not empty logs are redirected to the file descriptor or file path it
// describes.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "chainwalk-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "walker"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		// If adding another value update "Help about logging flags" in
		// commands.go.
		switch logcmd {
		case "walker":
			walker = true
		case "image":
			image = true
		case "dap":
			dap = true
		case "script":
			script = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't mangle the log output when it is redirected to a file.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteString(" " + entry.Level.String() + " ")
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			b.WriteString(strconv.Quote(stringVal))
		} else {
			b.WriteString(stringVal)
		}
		if i == len(keys)-1 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
