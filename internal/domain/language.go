package domain

// LanguageProfile is the build/run contract of one language.
// Profiles are populated once at start-up and never mutated per request.
type LanguageProfile struct {
	Language   string
	Image      string
	FileName   string
	CompileCmd []string // nil when the language has no compile phase
	RunCmd     []string
}

// HasCompile reports whether the profile has a compile phase.
func (p LanguageProfile) HasCompile() bool {
	return len(p.CompileCmd) > 0
}
