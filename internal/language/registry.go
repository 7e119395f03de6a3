// Package language maps language identifiers to their build/run contracts.
package language

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dontdude/coderun/internal/domain"
)

// EntryPlaceholder is replaced by the entry-point name extracted from the source.
const EntryPlaceholder = "{entry}"

// Template is the static profile of a language.
// When EntryPoint is set, FileName and both commands are templates over EntryPlaceholder.
type Template struct {
	Image      string   `mapstructure:"image"`
	FileName   string   `mapstructure:"file_name"`
	CompileCmd []string `mapstructure:"compile_cmd"`
	RunCmd     []string `mapstructure:"run_cmd"`
	EntryPoint bool     `mapstructure:"entry_point"`
}

// Defaults returns the built-in language templates.
func Defaults() map[string]Template {
	return map[string]Template{
		"javascript": {
			Image:    "coderunner-js:latest",
			FileName: "code.js",
			RunCmd:   []string{"node", "code.js"},
		},
		"python": {
			Image:    "coderunner-python:latest",
			FileName: "code.py",
			RunCmd:   []string{"python3", "code.py"},
		},
		"c": {
			Image:      "coderunner-c:latest",
			FileName:   "code.c",
			CompileCmd: []string{"gcc", "code.c", "-o", "program", "-std=c11"},
			RunCmd:     []string{"./program"},
		},
		"cpp": {
			Image:      "coderunner-cpp:latest",
			FileName:   "code.cpp",
			CompileCmd: []string{"g++", "code.cpp", "-o", "program", "-std=c++17"},
			RunCmd:     []string{"./program"},
		},
		"java": {
			Image:      "coderunner-java:latest",
			FileName:   EntryPlaceholder + ".java",
			CompileCmd: []string{"javac", EntryPlaceholder + ".java"},
			RunCmd:     []string{"java", EntryPlaceholder},
			EntryPoint: true,
		},
	}
}

// Registry is the read-only set of language templates.
// It is safe for concurrent use once constructed.
type Registry struct {
	templates map[string]Template
	names     []string
}

// NewRegistry validates the templates and returns a registry over a private copy of them.
func NewRegistry(templates map[string]Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for name, t := range templates {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("language %q: %w", name, err)
		}
		r.templates[name] = Template{
			Image:      t.Image,
			FileName:   t.FileName,
			CompileCmd: append([]string(nil), t.CompileCmd...),
			RunCmd:     append([]string(nil), t.RunCmd...),
			EntryPoint: t.EntryPoint,
		}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Merge overlays non-empty override fields onto base. Unknown languages in overrides are added.
func Merge(base, overrides map[string]Template) map[string]Template {
	out := make(map[string]Template, len(base)+len(overrides))
	for name, t := range base {
		out[name] = t
	}
	for name, o := range overrides {
		t := out[name]
		if o.Image != "" {
			t.Image = o.Image
		}
		if o.FileName != "" {
			t.FileName = o.FileName
		}
		if o.CompileCmd != nil {
			t.CompileCmd = o.CompileCmd
		}
		if len(o.RunCmd) > 0 {
			t.RunCmd = o.RunCmd
		}
		if o.EntryPoint {
			t.EntryPoint = true
		}
		out[name] = t
	}
	return out
}

func (t Template) validate() error {
	if t.Image == "" {
		return fmt.Errorf("image is required")
	}
	if t.FileName == "" {
		return fmt.Errorf("file name is required")
	}
	if len(t.RunCmd) == 0 || t.RunCmd[0] == "" {
		return fmt.Errorf("run command is required")
	}
	if t.EntryPoint && !strings.Contains(t.FileName, EntryPlaceholder) {
		return fmt.Errorf("entry-point file name must contain %s", EntryPlaceholder)
	}
	return nil
}

// Names returns the registered language identifiers in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Images returns the distinct images of all registered languages, sorted.
func (r *Registry) Images() []string {
	seen := make(map[string]bool, len(r.templates))
	var images []string
	for _, t := range r.templates {
		if !seen[t.Image] {
			seen[t.Image] = true
			images = append(images, t.Image)
		}
	}
	sort.Strings(images)
	return images
}

// Resolve returns the concrete profile for a submission.
// For entry-point languages the source is inspected first; failure to find a
// public class is reported as domain.ErrInvalidSource.
func (r *Registry) Resolve(language, source string) (domain.LanguageProfile, error) {
	t, ok := r.templates[language]
	if !ok {
		return domain.LanguageProfile{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedLanguage, language)
	}

	profile := domain.LanguageProfile{
		Language:   language,
		Image:      t.Image,
		FileName:   t.FileName,
		CompileCmd: append([]string(nil), t.CompileCmd...),
		RunCmd:     append([]string(nil), t.RunCmd...),
	}
	if !t.EntryPoint {
		return profile, nil
	}

	entry, found := PublicClassName(source)
	if !found {
		return domain.LanguageProfile{}, fmt.Errorf("%w: %s code must contain a public class", domain.ErrInvalidSource, language)
	}
	profile.FileName = fill(profile.FileName, entry)
	for i := range profile.CompileCmd {
		profile.CompileCmd[i] = fill(profile.CompileCmd[i], entry)
	}
	for i := range profile.RunCmd {
		profile.RunCmd[i] = fill(profile.RunCmd[i], entry)
	}
	return profile, nil
}

func fill(s, entry string) string {
	return strings.ReplaceAll(s, EntryPlaceholder, entry)
}
