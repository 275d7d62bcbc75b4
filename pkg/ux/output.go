// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the bootwarden CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// machineTag is the plain-mode prefix for each icon.
func (i Icon) machineTag() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	case IconPending:
		return "SKIP"
	default:
		return "-"
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes human output either styled (terminal) or as plain
// tab-separated lines (pipes, journald).
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter returns a Printer on w. Styling is enabled only when w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	plain := true
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		plain = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
	return &Printer{w: w, plain: plain}
}

// NewPlainPrinter returns a Printer that never styles. Used by tests.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true}
}

// Title prints a styled title. Plain mode prints it as a comment line.
func (p *Printer) Title(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "# %s\n", text)
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status prints one line with an icon, a label and an optional detail.
func (p *Printer) Status(icon Icon, label, detail string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s\t%s\t%s\n", icon.machineTag(), label, detail)
		return
	}
	if detail != "" {
		fmt.Fprintf(p.w, "%s %s %s\n", icon.Render(), label, Styles.Muted.Render("("+detail+")"))
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), label)
}

// Field prints a key/value pair.
func (p *Printer) Field(key string, value any) {
	if p.plain {
		fmt.Fprintf(p.w, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "  %s %v\n", Styles.Muted.Render(fmt.Sprintf("%-22s", key+":")), value)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// Score renders a health score coloured by band.
func (p *Printer) Score(score int) string {
	text := fmt.Sprintf("%d/100", score)
	if p.plain {
		return text
	}
	switch {
	case score >= 100:
		return Styles.Success.Render(text)
	case score >= 70:
		return Styles.Warning.Render(text)
	default:
		return Styles.Error.Render(text)
	}
}
