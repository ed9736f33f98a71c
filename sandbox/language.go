package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/isdmx/sandboxd/config"
)

// Canonical language names
const (
	LanguageJava       = "java"
	LanguageCPP        = "cpp"
	LanguageC          = "c"
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
)

// defaultBinaryFile names the compiler output when a language does not set one
const defaultBinaryFile = "program"

// Builder is the structured compile/run recipe for one language.
//
// Build and Run hold command templates already split into arguments; nil
// Build means the language is interpreted.
type Builder struct {
	Language   string
	SourceFile string
	BinaryFile string
	Build      []string
	Run        []string
	Ceilings   Ceilings
	Env        map[string]string
}

// Compiled reports whether the language has a build step
func (b *Builder) Compiled() bool {
	return len(b.Build) > 0
}

// Languages resolves request language names, including aliases, to builders
type Languages struct {
	builders map[string]*Builder
	aliases  map[string]string
}

// NewLanguages parses the configured languages into builders
func NewLanguages(langs map[string]config.Language) (*Languages, error) {
	l := &Languages{
		builders: make(map[string]*Builder, len(langs)),
		aliases:  make(map[string]string),
	}

	for name, lang := range langs {
		name = strings.ToLower(name)

		builder, err := newBuilder(name, lang)
		if err != nil {
			return nil, err
		}
		l.builders[name] = builder

		for _, alias := range append([]string{name}, lang.Aliases...) {
			alias = strings.ToLower(alias)
			if owner, exists := l.aliases[alias]; exists && owner != name {
				return nil, fmt.Errorf("language name %q registered for both %s and %s", alias, owner, name)
			}
			l.aliases[alias] = name
		}
	}

	if len(l.builders) == 0 {
		return nil, fmt.Errorf("at least one language must be configured")
	}

	return l, nil
}

func newBuilder(name string, lang config.Language) (*Builder, error) {
	run, err := splitTemplate(lang.RunCmd)
	if err != nil {
		return nil, fmt.Errorf("languages.%s.run_cmd: %w", name, err)
	}
	if len(run) == 0 {
		return nil, fmt.Errorf("languages.%s.run_cmd is empty", name)
	}

	build, err := splitTemplate(lang.BuildCmd)
	if err != nil {
		return nil, fmt.Errorf("languages.%s.build_cmd: %w", name, err)
	}

	binary := lang.BinaryFile
	if binary == "" {
		binary = defaultBinaryFile
	}

	env := make(map[string]string, len(lang.Environment))
	for key, value := range lang.Environment {
		// viper folds map keys to lower case
		env[strings.ToUpper(key)] = value
	}

	return &Builder{
		Language:   name,
		SourceFile: lang.SourceFile,
		BinaryFile: binary,
		Build:      build,
		Run:        run,
		Ceilings:   ceilingsFromConfig(lang.Limits),
		Env:        env,
	}, nil
}

func splitTemplate(tpl string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, nil
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", tpl, err)
	}
	return fields, nil
}

// Resolve returns the builder for a language name or alias, case-insensitively
func (l *Languages) Resolve(language string) (*Builder, error) {
	key := strings.ToLower(strings.TrimSpace(language))
	if name, ok := l.aliases[key]; ok {
		return l.builders[name], nil
	}
	return nil, newError(KindUnsupportedLanguage, nil, "Unsupported language: %s", language)
}

// Names returns every accepted language name and alias, sorted
func (l *Languages) Names() []string {
	names := make([]string, 0, len(l.aliases))
	for alias := range l.aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}
