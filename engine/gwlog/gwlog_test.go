package gwlog

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestGWLog(t *testing.T) {
	SetSource("gwlog_test")
	SetOutput([]string{"stderr", filepath.Join(t.TempDir(), "gwlog_test.log")})
	SetLevel(DebugLevel)

	if lv := ParseLevel("debug"); lv != DebugLevel {
		t.Fail()
	}
	if lv := ParseLevel("info"); lv != InfoLevel {
		t.Fail()
	}
	if lv := ParseLevel("warn"); lv != WarnLevel {
		t.Fail()
	}
	if lv := ParseLevel("WARNING"); lv != WarnLevel {
		t.Fail()
	}
	if lv := ParseLevel("error"); lv != ErrorLevel {
		t.Fail()
	}
	if lv := ParseLevel("panic"); lv != PanicLevel {
		t.Fail()
	}
	if lv := ParseLevel("fatal"); lv != FatalLevel {
		t.Fail()
	}

	Debugf("this is a debug %d", 1)
	SetLevel(InfoLevel)
	Debugf("SHOULD NOT SEE THIS!")
	Infof("this is an info %d", 2)
	Warnf("this is a warning %d", 3)
	TraceError("this is a trace error %d", 4)
	func() {
		defer func() {
			_ = recover()
		}()
		Panicf("this is a panic %d", 4)
	}()
	SetLevel(DebugLevel)
}

func TestSetWriter(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetOutput([]string{"stderr"})

	SetLevel(WarnLevel)
	Infof("hidden %d", 1)
	Warnf("visible %d", 2)
	SetLevel(DebugLevel)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "visible 2") {
		t.Errorf("warn record missing: %q", out)
	}
	if GetLevel() != DebugLevel {
		t.Errorf("level not restored")
	}
}

func TestSetupFileOutput(t *testing.T) {
	SetupFileOutput(filepath.Join(t.TempDir(), "rotated.log"), false)
	Infof("to file")
	SetOutput([]string{"stderr"})
}
