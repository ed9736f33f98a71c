package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ScriptFileName is the name of the generated script inside the work directory
const ScriptFileName = "execute.sh"

// ExecutionScript is the rendered compile/run script for one request.
//
// The untrusted code travels in Source and is written to SourcePath; Text
// only ever references it by path.
type ExecutionScript struct {
	Language   string
	Text       string
	Source     []byte
	SourcePath string
	ScriptPath string
	Env        []string
}

// Renderer turns a request into an ExecutionScript for a provisioned identity
type Renderer interface {
	Render(language, code string, id *Identity) (*ExecutionScript, error)
}

// Synthesizer renders bash scripts from language builders
type Synthesizer struct {
	languages *Languages
	path      string
}

// NewSynthesizer creates a Synthesizer; path becomes PATH inside the sandbox
func NewSynthesizer(languages *Languages, path string) *Synthesizer {
	return &Synthesizer{
		languages: languages,
		path:      path,
	}
}

// Render builds the script for language running in id's work directory
func (s *Synthesizer) Render(language, code string, id *Identity) (*ExecutionScript, error) {
	builder, err := s.languages.Resolve(language)
	if err != nil {
		return nil, err
	}
	if id == nil || id.WorkDir == "" {
		return nil, fmt.Errorf("render %s: identity has no work directory", builder.Language)
	}

	ceilings := builder.Ceilings
	if !id.Isolated {
		// RLIMIT_NPROC counts every process of the real uid, which is shared here
		ceilings.Processes = 0
	}

	sourcePath := filepath.Join(id.WorkDir, builder.SourceFile)
	expand := strings.NewReplacer(
		"{src}", sourcePath,
		"{bin}", filepath.Join(id.WorkDir, builder.BinaryFile),
		"{dir}", id.WorkDir,
		"{heap}", strconv.FormatUint(ceilings.HeapMB, 10),
	)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	b.WriteString("umask 077\n")
	for _, line := range ceilings.UlimitCommands() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("cd " + shellQuote(id.WorkDir) + "\n")
	if builder.Compiled() {
		b.WriteString(quoteCommand(expand, builder.Build) + " </dev/null\n")
	}
	b.WriteString("exec " + quoteCommand(expand, builder.Run) + "\n")

	return &ExecutionScript{
		Language:   builder.Language,
		Text:       b.String(),
		Source:     []byte(code),
		SourcePath: sourcePath,
		ScriptPath: filepath.Join(id.WorkDir, ScriptFileName),
		Env:        s.environment(builder, id),
	}, nil
}

func (s *Synthesizer) environment(builder *Builder, id *Identity) []string {
	env := map[string]string{
		"PATH":    s.path,
		"HOME":    id.HomeDir,
		"TMPDIR":  id.WorkDir,
		"USER":    id.ID,
		"LOGNAME": id.ID,
		"LANG":    "C.UTF-8",
	}
	for key, value := range builder.Env {
		env[key] = value
	}

	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

func quoteCommand(expand *strings.Replacer, args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(expand.Replace(arg))
	}
	return strings.Join(quoted, " ")
}

// shellQuote wraps s in single quotes so bash reads it back verbatim
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
