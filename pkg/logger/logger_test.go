package logger

import (
	"reflect"
	"sync"
	"testing"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) add(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+":"+msg)
}

func (r *recordingLogger) Log(m string, _ ...any)   { r.add("log", m) }
func (r *recordingLogger) Debug(m string, _ ...any) { r.add("debug", m) }
func (r *recordingLogger) Info(m string, _ ...any)  { r.add("info", m) }
func (r *recordingLogger) Warn(m string, _ ...any)  { r.add("warn", m) }
func (r *recordingLogger) Error(m string, _ ...any) { r.add("error", m) }
func (r *recordingLogger) Fatal(m string, _ ...any) { r.add("fatal", m) }

func TestDispatchToAllInstances(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	Init(a, b)
	t.Cleanup(Reset)

	Info("[Embed] chunked", "doc_id", "d1")
	Warn("[Embed] Provider fallback")

	want := []string{"info:[Embed] chunked", "warn:[Embed] Provider fallback"}
	if !reflect.DeepEqual(a.lines, want) {
		t.Fatalf("instance a got %v, want %v", a.lines, want)
	}
	if !reflect.DeepEqual(b.lines, want) {
		t.Fatalf("instance b got %v, want %v", b.lines, want)
	}
}

func TestNoopBeforeInit(t *testing.T) {
	Reset()
	// must not panic
	Debug("nothing")
	Error("nothing")
}
