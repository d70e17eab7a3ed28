package common

import (
	"regexp"
	"strings"
	"sync"
)

// MaskedValue replaces anything the masker considers secret.
const MaskedValue = "***MASKED***"

// SensitivePattern describes one class of secret that must not reach the logs.
type SensitivePattern struct {
	Name        string         // pattern name, e.g. "env_assignment"
	Regex       *regexp.Regexp // matches the secret inside free text
	Replacement string         // replacement for Regex matches
	KeyParts    []string       // attribute or variable names containing any of these are masked whole
}

// DefaultSensitivePatterns covers the secrets that show up in build logs:
// credentials passed as environment assignments on a command line and
// passwords embedded in database DSNs.
var DefaultSensitivePatterns = []SensitivePattern{
	{
		Name:        "env_assignment",
		Regex:       regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|PASSWORD|PASSWD|SECRET|API_?KEY|CREDENTIALS?)[A-Z0-9_]*)=("[^"]*"|'[^']*'|\S+)`),
		Replacement: "${1}=" + MaskedValue,
		KeyParts:    []string{"token", "password", "passwd", "secret", "api_key", "apikey", "credential"},
	},
	{
		Name:        "dsn_password",
		Regex:       regexp.MustCompile(`(?i)\b(postgres(?:ql)?://[^:/@\s]+:)([^@\s]+)@`),
		Replacement: "${1}" + MaskedValue + "@",
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
		Replacement: "Bearer " + MaskedValue,
	},
}

// Masker handles masking of sensitive information in logs
type Masker struct {
	mu       sync.RWMutex
	patterns []SensitivePattern
	enabled  bool
}

// NewMasker creates a new masker with default patterns
func NewMasker() *Masker {
	return &Masker{patterns: DefaultSensitivePatterns, enabled: true}
}

// NewMaskerWithPatterns creates a new masker with custom patterns
func NewMaskerWithPatterns(patterns []SensitivePattern) *Masker {
	return &Masker{patterns: patterns, enabled: true}
}

// SetEnabled enables or disables masking
func (m *Masker) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// IsEnabled returns whether masking is enabled
func (m *Masker) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// AddPattern adds a new sensitive pattern
func (m *Masker) AddPattern(pattern SensitivePattern) {
	m.mu.Lock()
	m.patterns = append(append([]SensitivePattern(nil), m.patterns...), pattern)
	m.mu.Unlock()
}

// IsSensitiveKey reports whether a variable or attribute name looks like it holds a secret.
func (m *Masker) IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patterns {
		for _, part := range p.KeyParts {
			if strings.Contains(lower, part) {
				return true
			}
		}
	}
	return false
}

// MaskString masks sensitive information in a string
func (m *Masker) MaskString(input string) string {
	if !m.IsEnabled() {
		return input
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := input
	for _, p := range m.patterns {
		if p.Regex != nil {
			out = p.Regex.ReplaceAllString(out, p.Replacement)
		}
	}
	return out
}

// MaskValue masks a value based on its key, then on its content.
func (m *Masker) MaskValue(key string, value any) any {
	if !m.IsEnabled() {
		return value
	}
	if m.IsSensitiveKey(key) {
		return MaskedValue
	}
	switch v := value.(type) {
	case string:
		return m.MaskString(v)
	case error:
		return m.MaskString(v.Error())
	default:
		return value
	}
}

// MaskEnv returns a copy of vars with secret-looking values replaced.
func (m *Masker) MaskEnv(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if m.IsEnabled() && m.IsSensitiveKey(k) {
			out[k] = MaskedValue
			continue
		}
		out[k] = v
	}
	return out
}

var globalMasker = NewMasker()

// SetGlobalMasker sets the global masker instance
func SetGlobalMasker(masker *Masker) {
	if masker != nil {
		globalMasker = masker
	}
}

// GetGlobalMasker returns the global masker instance
func GetGlobalMasker() *Masker {
	return globalMasker
}

// MaskSensitiveData masks sensitive data using the global masker
func MaskSensitiveData(input string) string {
	return globalMasker.MaskString(input)
}

// EnableMasking enables/disables global masking
func EnableMasking(enabled bool) {
	globalMasker.SetEnabled(enabled)
}

// IsMaskingEnabled returns whether global masking is enabled
func IsMaskingEnabled() bool {
	return globalMasker.IsEnabled()
}
