package main

import (
	"strings"
	"testing"

	"github.com/Bubobubobubobubo/topos/pkg/app"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
	"github.com/Bubobubobubobubo/topos/pkg/script"
)

func TestEmbeddedDefaultScript(t *testing.T) {
	loader := script.NewLoader(fileutil.NewEmbedFS(embedded, "scripts"), "")
	s, err := loader.Load(app.DefaultScript)
	if err != nil {
		t.Fatalf("default script not embedded: %v", err)
	}
	if !strings.Contains(s.Content, "onbeat") {
		t.Errorf("unexpected default script %q", s.Content)
	}

	lua := eval.NewLuaEvaluator(nil)
	if _, err := lua.Compile(s.Name, s.Content); err != nil {
		t.Errorf("default script does not compile: %v", err)
	}
}
