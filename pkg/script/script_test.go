package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
)

func TestDecode(t *testing.T) {
	sjis, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte("-- 太鼓\nsound('kick')"))
	if err != nil {
		t.Fatalf("failed to encode Shift-JIS: %v", err)
	}
	utf16, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder(), []byte("note(60)"))
	if err != nil {
		t.Fatalf("failed to encode UTF-16: %v", err)
	}

	tests := []struct {
		name     string
		data     []byte
		enc      string
		want     string
		wantUsed string
	}{
		{"plain utf-8", []byte("sound('kick')"), EncodingAuto, "sound('kick')", EncodingUTF8},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "x = 1"...), EncodingAuto, "x = 1", EncodingUTF8},
		{"utf-16 bom", utf16, EncodingAuto, "note(60)", EncodingUTF16},
		{"shift-jis detected", sjis, EncodingAuto, "-- 太鼓\nsound('kick')", EncodingShiftJIS},
		{"shift-jis forced", sjis, EncodingShiftJIS, "-- 太鼓\nsound('kick')", EncodingShiftJIS},
		{"utf-16 forced", utf16, EncodingUTF16, "note(60)", EncodingUTF16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, used, err := Decode(tt.data, tt.enc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if used != tt.wantUsed {
				t.Errorf("expected encoding %s, got %s", tt.wantUsed, used)
			}
		})
	}

	if _, _, err := Decode([]byte("x"), "ebcdic"); !errors.Is(err, ErrUnknownEncoding) {
		t.Errorf("expected ErrUnknownEncoding, got %v", err)
	}
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Live.lua"), []byte("sound('hat')"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	loader := NewLoader(fileutil.NewDiskFS(dir), "")
	s, err := loader.Load("live.lua")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Content != "sound('hat')" || s.Size != 12 || s.Name != "live.lua" {
		t.Errorf("unexpected script %+v", s)
	}
	if _, err := loader.Load("missing.lua"); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestLoaderLoadAll(t *testing.T) {
	mem := fstest.MapFS{
		"scripts/b.lua":     {Data: []byte("b")},
		"scripts/a.LUA":     {Data: []byte("a")},
		"scripts/notes.txt": {Data: []byte("ignored")},
	}
	loader := NewLoader(fileutil.NewEmbedFS(mem, "scripts"), EncodingUTF8)
	scripts, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scripts) != 2 || scripts[0].Name != "a.LUA" || scripts[1].Name != "b.lua" {
		t.Errorf("unexpected scripts %+v", scripts)
	}

	if _, err := NewLoader(fileutil.NewDiskFS(""), "").LoadAll(); err == nil {
		t.Error("expected error for a file system that cannot list")
	}
}

func TestWatcherPoll(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "live.lua")
	if err := os.WriteFile(file, []byte("one"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	var got []string
	w := NewWatcher(NewLoader(fileutil.NewDiskFS(dir), ""), "live.lua", "one", func(s *Script) {
		got = append(got, s.Content)
	})

	if changed, err := w.Poll(); changed || err != nil {
		t.Errorf("unchanged file reported changed=%v err=%v", changed, err)
	}
	os.WriteFile(file, []byte("two"), 0644)
	if changed, _ := w.Poll(); !changed {
		t.Error("expected a change")
	}
	os.Remove(file)
	if _, err := w.Poll(); err == nil {
		t.Error("expected error for a missing file")
	}
	os.WriteFile(file, []byte("two"), 0644)
	if changed, _ := w.Poll(); changed {
		t.Error("same content after recreation is not a change")
	}

	if len(got) != 1 || got[0] != "two" {
		t.Errorf("unexpected callbacks %v", got)
	}
}

func TestWatcherRun(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "live.lua")
	os.WriteFile(file, []byte("a"), 0644)

	var mu sync.Mutex
	var got string
	w := NewWatcher(NewLoader(fileutil.NewDiskFS(dir), ""), "live.lua", "a", func(s *Script) {
		mu.Lock()
		defer mu.Unlock()
		got = s.Content
	}, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	os.WriteFile(file, []byte("b"), 0644)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		current := got
		mu.Unlock()
		if current == "b" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != "b" {
		t.Errorf("expected change to 'b', got %q", got)
	}
}

func TestWatcherRunSurvivesMissingFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "live.lua")
	os.WriteFile(file, []byte("a"), 0644)

	changes := make(chan string, 16)
	w := NewWatcher(NewLoader(fileutil.NewDiskFS(dir), ""), "live.lua", "a", func(s *Script) {
		changes <- s.Content
	}, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	os.Remove(file)
	time.Sleep(30 * time.Millisecond)
	os.WriteFile(file, []byte("c"), 0644)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-changes:
			if got == "c" {
				return
			}
		case <-deadline:
			t.Fatal("watcher stopped after a read failure")
		}
	}
}
