package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/config"
)

func TestDefaultLanguages(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	languages, err := NewLanguages(cfg.Languages)
	require.NoError(t, err)

	tests := []struct {
		name     string
		language string
		compiled bool
	}{
		{"java", LanguageJava, true},
		{"cpp", LanguageCPP, true},
		{"C++", LanguageCPP, true},
		{"c", LanguageC, true},
		{"javascript", LanguageJavaScript, false},
		{"js", LanguageJavaScript, false},
		{"NodeJS", LanguageJavaScript, false},
		{"python", LanguagePython, false},
		{" py ", LanguagePython, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder, err := languages.Resolve(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.language, builder.Language)
			assert.Equal(t, tt.compiled, builder.Compiled())
			assert.NotZero(t, builder.Ceilings.CPUSeconds)
		})
	}

	assert.Contains(t, languages.Names(), "python3")
	assert.Contains(t, languages.Names(), "c++")
	assert.IsNonDecreasing(t, languages.Names())
}

func TestResolveUnsupported(t *testing.T) {
	languages := testLanguages(t)

	for _, name := range []string{"go", "", "pythonn", "rust"} {
		_, err := languages.Resolve(name)
		require.ErrorIs(t, err, ErrUnsupportedLanguage, name)
	}
}

func TestNewLanguagesErrors(t *testing.T) {
	t.Run("DuplicateAlias", func(t *testing.T) {
		_, err := NewLanguages(map[string]config.Language{
			"python": {SourceFile: "a.py", RunCmd: "python3 {src}", Aliases: []string{"py"}},
			"pypy":   {SourceFile: "b.py", RunCmd: "pypy {src}", Aliases: []string{"PY"}},
		})
		require.Error(t, err)
	})

	t.Run("UnbalancedQuote", func(t *testing.T) {
		_, err := NewLanguages(map[string]config.Language{
			"python": {SourceFile: "a.py", RunCmd: "python3 '{src}"},
		})
		require.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewLanguages(map[string]config.Language{})
		require.Error(t, err)
	})
}

func TestCeilingsRLimits(t *testing.T) {
	c := ceilingsFromConfig(config.Limits{CPUSec: 10, Processes: 40, FileSizeKB: 10240, DataKB: 262144, StackKB: 8192})

	got := make(map[int]uint64)
	for _, rl := range c.RLimits() {
		got[rl.Res] = rl.Rlim.Cur
	}

	assert.Equal(t, uint64(10), got[unix.RLIMIT_CPU])
	assert.Equal(t, uint64(10240*1024), got[unix.RLIMIT_FSIZE])
	assert.Equal(t, uint64(262144*1024), got[unix.RLIMIT_DATA])
	assert.Equal(t, uint64(8192*1024), got[unix.RLIMIT_STACK])
	assert.Contains(t, got, unix.RLIMIT_CORE)
	assert.Zero(t, got[unix.RLIMIT_CORE])

	assert.Contains(t, c.UlimitCommands(), "ulimit -u 40")

	c.Processes = 0
	assert.NotContains(t, c.UlimitCommands(), "ulimit -u 40")
}
