// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"testing"
)

// withPersonality runs f under a given personality and restores the
// previous one; the tests below all mutate the package-level state.
func withPersonality(t *testing.T, p Personality, f func()) {
	t.Helper()
	prev := GetPersonality()
	SetPersonality(p)
	defer SetPersonality(prev)
	f()
}

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"f", PersonalityFull},
		{"FULL", PersonalityFull},
		{"standard", PersonalityStandard},
		{"std", PersonalityStandard},
		{"s", PersonalityStandard},
		{"minimal", PersonalityMinimal},
		{"min", PersonalityMinimal},
		{"m", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"quiet", PersonalityMachine},
		{"q", PersonalityMachine},
		{"", PersonalityStandard},
		{"nonsense", PersonalityStandard},
	}
	for _, tt := range tests {
		if got := ParsePersonalityLevel(tt.in); got != tt.want {
			t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetPersonalityLevel_KeepsOtherFields(t *testing.T) {
	withPersonality(t, Personality{
		Level:        PersonalityFull,
		Theme:        "default",
		ShowTips:     true,
		NauticalMode: true,
	}, func() {
		SetPersonalityLevel(PersonalityMachine)
		p := GetPersonality()
		if p.Level != PersonalityMachine {
			t.Errorf("Level = %q, want machine", p.Level)
		}
		if !p.ShowTips || !p.NauticalMode {
			t.Error("SetPersonalityLevel must not reset the other fields")
		}
	})
}

func TestInitPersonality_EnvOverride(t *testing.T) {
	prev := GetPersonality()
	defer SetPersonality(prev)

	t.Setenv("ALEUTIAN_PERSONALITY", "minimal")
	InitPersonality()
	if got := GetPersonality().Level; got != PersonalityMinimal {
		t.Errorf("Level after env init = %q, want minimal", got)
	}
}

func TestInitPersonality_NonTerminalDefaultsMachine(t *testing.T) {
	prev := GetPersonality()
	defer SetPersonality(prev)

	t.Setenv("ALEUTIAN_PERSONALITY", "")

	// Point stdout at a pipe so isatty reports non-interactive, the
	// situation pipectl is in under CI or when piped to a file.
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	InitPersonality()
	os.Stdout = old
	w.Close()
	r.Close()

	if got := GetPersonality().Level; got != PersonalityMachine {
		t.Errorf("Level for piped stdout = %q, want machine", got)
	}
}

func TestShouldShowProgress(t *testing.T) {
	tests := []struct {
		level PersonalityLevel
		want  bool
	}{
		{PersonalityFull, true},
		{PersonalityStandard, true},
		{PersonalityMinimal, true},
		{PersonalityMachine, false},
	}
	for _, tt := range tests {
		withPersonality(t, Personality{Level: tt.level}, func() {
			if got := ShouldShowProgress(); got != tt.want {
				t.Errorf("ShouldShowProgress() under %q = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestShouldShowColors_MachineDisables(t *testing.T) {
	withPersonality(t, Personality{Level: PersonalityMachine}, func() {
		if ShouldShowColors() {
			t.Error("machine personality must not use colors")
		}
	})
	withPersonality(t, Personality{Level: PersonalityFull}, func() {
		if !ShouldShowColors() {
			t.Error("full personality should use colors")
		}
	})
}

func TestIsInteractive_MachineNeverInteractive(t *testing.T) {
	// Regardless of the terminal, machine mode suppresses prompts so
	// scripted pipectl invocations never hang on input.
	withPersonality(t, Personality{Level: PersonalityMachine}, func() {
		if IsInteractive() {
			t.Error("IsInteractive() = true under machine personality")
		}
	})
}

func TestDefaultPersonality(t *testing.T) {
	p := DefaultPersonality()
	if p.Level != PersonalityFull {
		t.Errorf("Level = %q, want full", p.Level)
	}
	if !p.NauticalMode || !p.ShowTips {
		t.Error("default personality should keep the nautical flourishes on")
	}
}
