package core

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LanguageConfig describes how to build and run a submission for one language.
// A nil CompileCmd means the language is interpreted and the compile step is skipped.
// Command argv are resolved inside the sandbox, where the workspace is mounted at /app.
type LanguageConfig struct {
	SourceFile string   `yaml:"source_file"`
	CompileCmd []string `yaml:"compile_cmd"`
	RunCmd     []string `yaml:"run_cmd"`
}

// Compiled reports whether the language requires a compile step.
func (c LanguageConfig) Compiled() bool { return len(c.CompileCmd) > 0 }

var builtinLanguages = map[string]LanguageConfig{
	"python": {
		SourceFile: "main.py",
		RunCmd:     []string{"/usr/bin/python3", "main.py"},
	},
	"c": {
		SourceFile: "main.c",
		CompileCmd: []string{"/usr/bin/gcc", "main.c", "-std=gnu17", "-O2", "-pipe", "-o", "main"},
		RunCmd:     []string{"./main"},
	},
	"cpp": {
		SourceFile: "main.cpp",
		CompileCmd: []string{"/usr/bin/g++", "main.cpp", "-std=gnu++17", "-O2", "-pipe", "-o", "main"},
		RunCmd:     []string{"./main"},
	},
	"go": {
		SourceFile: "main.go",
		CompileCmd: []string{"/usr/bin/go", "build", "-o", "main", "main.go"},
		RunCmd:     []string{"./main"},
	},
	"java": {
		SourceFile: "Main.java",
		CompileCmd: []string{"/usr/bin/javac", "Main.java"},
		RunCmd:     []string{"/usr/bin/java", "Main"},
	},
}

// LanguageRegistry is the process-wide language table. Built once at startup,
// read-only afterwards.
type LanguageRegistry struct {
	langs map[string]LanguageConfig
}

// NewLanguageRegistry returns a registry holding the builtin language table.
func NewLanguageRegistry() *LanguageRegistry {
	langs := make(map[string]LanguageConfig, len(builtinLanguages))
	for k, v := range builtinLanguages {
		langs[k] = v
	}
	return &LanguageRegistry{langs: langs}
}

// NewLanguageRegistryFromFile builds the registry from the builtin table with
// entries from a YAML file merged over it. An empty path returns the builtins.
func NewLanguageRegistryFromFile(path string) (*LanguageRegistry, error) {
	r := NewLanguageRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read languages file %s: %w", path, err)
	}
	var overrides map[string]LanguageConfig
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse languages file %s: %w", path, err)
	}
	for tag, cfg := range overrides {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if strings.TrimSpace(cfg.SourceFile) == "" || len(cfg.RunCmd) == 0 {
			return nil, fmt.Errorf("language %q: source_file and run_cmd are required", tag)
		}
		r.langs[tag] = cfg
	}
	return r, nil
}

// Lookup returns the config for a language tag. Tags are matched
// case-insensitively after trimming.
func (r *LanguageRegistry) Lookup(tag string) (LanguageConfig, bool) {
	cfg, ok := r.langs[strings.ToLower(strings.TrimSpace(tag))]
	return cfg, ok
}

// Tags returns the registered language tags (for startup logging).
func (r *LanguageRegistry) Tags() []string {
	out := make([]string, 0, len(r.langs))
	for k := range r.langs {
		out = append(out, k)
	}
	return out
}
