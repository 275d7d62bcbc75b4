// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for %q", icon)
		}
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{})
	if !p.plain {
		t.Error("a non-terminal writer must get plain output")
	}
}

func TestPrinter_PlainStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Status(IconSuccess, "bootloader_binary", "")
	p.Status(IconError, "config_validity", "grub.cfg missing")

	want := "OK\tbootloader_binary\t\nERROR\tconfig_validity\tgrub.cfg missing\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrinter_PlainFieldAndTitle(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Title("Health")
	p.Field("score", p.Score(80))
	p.Box("Rollback", "not applicable")

	out := buf.String()
	for _, want := range []string{"# Health\n", "score\t80/100\n", "Rollback: not applicable\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestPrinter_StyledStatusKeepsText(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{w: &buf}

	p.Status(IconWarning, "prior_boot_failures", "2 errors")

	if !strings.Contains(buf.String(), "prior_boot_failures") || !strings.Contains(buf.String(), "2 errors") {
		t.Errorf("styled output lost text: %q", buf.String())
	}
}
