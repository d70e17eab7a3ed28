package common

import (
	"errors"
	"strings"
	"testing"
)

func TestMasker_MaskString(t *testing.T) {
	m := NewMasker()

	tests := []struct {
		name   string
		input  string
		want   string
		absent string
	}{
		{
			name:   "env assignment on a command line",
			input:  "GITHUB_TOKEN=abc123 ninja -C build",
			want:   "GITHUB_TOKEN=" + MaskedValue + " ninja -C build",
			absent: "abc123",
		},
		{
			name:   "quoted password assignment",
			input:  `DB_PASSWORD="s3 cret" make`,
			want:   "DB_PASSWORD=" + MaskedValue + " make",
			absent: "s3 cret",
		},
		{
			name:   "postgres dsn",
			input:  "postgres://build:hunter2@db:5432/manifest?sslmode=disable",
			want:   "postgres://build:" + MaskedValue + "@db:5432/manifest?sslmode=disable",
			absent: "hunter2",
		},
		{
			name:  "plain command",
			input: "cmake -G Ninja -S src -B out",
			want:  "cmake -G Ninja -S src -B out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.MaskString(tt.input)
			if got != tt.want {
				t.Errorf("MaskString() = %q, want %q", got, tt.want)
			}
			if tt.absent != "" && strings.Contains(got, tt.absent) {
				t.Errorf("MaskString() leaked %q", tt.absent)
			}
		})
	}
}

func TestMasker_MaskValue(t *testing.T) {
	m := NewMasker()

	if got := m.MaskValue("NPM_TOKEN", "xyz"); got != MaskedValue {
		t.Errorf("MaskValue(NPM_TOKEN) = %v, want %v", got, MaskedValue)
	}
	if got := m.MaskValue("stage", "stage1"); got != "stage1" {
		t.Errorf("MaskValue(stage) = %v, want stage1", got)
	}
	if got := m.MaskValue("error", errors.New("API_KEY=k1 rejected")); got != "API_KEY="+MaskedValue+" rejected" {
		t.Errorf("MaskValue(error) = %v", got)
	}
	if got := m.MaskValue("exit_code", 3); got != 3 {
		t.Errorf("MaskValue(int) = %v, want 3", got)
	}
}

func TestMasker_MaskEnv(t *testing.T) {
	m := NewMasker()
	got := m.MaskEnv(map[string]string{"CC": "clang", "AWS_SECRET_ACCESS_KEY": "shh"})
	if got["CC"] != "clang" {
		t.Errorf("CC = %q, want clang", got["CC"])
	}
	if got["AWS_SECRET_ACCESS_KEY"] != MaskedValue {
		t.Errorf("AWS_SECRET_ACCESS_KEY = %q, want masked", got["AWS_SECRET_ACCESS_KEY"])
	}
}

func TestMasker_Disabled(t *testing.T) {
	m := NewMasker()
	m.SetEnabled(false)
	in := "API_KEY=visible"
	if got := m.MaskString(in); got != in {
		t.Errorf("MaskString() with masking disabled = %q, want %q", got, in)
	}
	if got := m.MaskValue("API_KEY", "visible"); got != "visible" {
		t.Errorf("MaskValue() with masking disabled = %v", got)
	}
}

func TestGlobalMasking(t *testing.T) {
	defer EnableMasking(true)

	EnableMasking(false)
	if IsMaskingEnabled() {
		t.Fatal("expected masking to be disabled")
	}
	EnableMasking(true)
	if got := MaskSensitiveData("SECRET=x"); got != "SECRET="+MaskedValue {
		t.Errorf("MaskSensitiveData() = %q", got)
	}
}
