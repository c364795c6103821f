package logflags

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type closableBuffer struct {
	bytes.Buffer
}

func (cb *closableBuffer) Close() error {
	return nil
}

func TestMakeLoggerUsesFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer SetLoggerFactory(nil)
	logOut = &closableBuffer{}
	defer func() {
		logOut = nil
	}()

	want := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "test" {
			t.Fatalf("expected fields to be {'layer':'test'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return want
	})

	got := makeLogger(logrus.TraceLevel, Fields{"layer": "test"})
	if got != want {
		t.Fatalf("expected logger <%v>; but was <%v>", want, got)
	}
}

func TestMakeFlaggableLoggerLevels(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}

	for _, tc := range []struct {
		flag bool
		want logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		logger := makeFlaggableLogger(tc.flag, Fields{"layer": "test"})
		entry, ok := logger.(*logrusLogger)
		if !ok {
			t.Fatalf("flag %v: expected a *logrusLogger; but was <%T>", tc.flag, logger)
		}
		if entry.Logger.Level != tc.want {
			t.Fatalf("flag %v: expected level <%v>; but was <%v>", tc.flag, tc.want, entry.Logger.Level)
		}
		if len(entry.Data) != 1 || entry.Data["layer"] != "test" {
			t.Fatalf("flag %v: expected fields {'layer':'test'}; but was <%v>", tc.flag, entry.Data)
		}
	}
}

func TestMakeLoggerDefaultBehavior(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	logOut = &closableBuffer{}
	defer func() {
		logOut = nil
	}()

	logger := makeLogger(logrus.TraceLevel, Fields{"layer": "test"})
	entry, ok := logger.(*logrusLogger)
	if !ok {
		t.Fatalf("expected a *logrusLogger; but was <%T>", logger)
	}
	if entry.Logger.Level != logrus.TraceLevel {
		t.Fatalf("expected level <%v>; but was <%v>", logrus.TraceLevel, entry.Logger.Level)
	}
	if entry.Logger.Out != logOut {
		t.Fatalf("expected out to be <%v>; but was <%v>", logOut, entry.Logger.Out)
	}
	if entry.Logger.Formatter != textFormatterInstance {
		t.Fatalf("expected the default text formatter; but was <%v>", entry.Logger.Formatter)
	}
}
