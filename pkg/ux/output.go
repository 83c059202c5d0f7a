// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders forge's terminal output.
//
// A Printer styles output with lipgloss when it writes to a terminal and
// falls back to plain text otherwise, so piped output stays grep-friendly.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#20B9B4")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C8A94")
)

// Styles are the lipgloss styles used by Printer.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// plain returns the ASCII form used when styling is off.
func (i Icon) plain() string {
	switch i {
	case IconSuccess:
		return "ok"
	case IconWarning:
		return "warn"
	case IconError:
		return "FAIL"
	case IconPending:
		return "-"
	case IconArrow:
		return "->"
	default:
		return string(i)
	}
}

func (i Icon) style() lipgloss.Style {
	switch i {
	case IconSuccess:
		return Styles.Success
	case IconWarning:
		return Styles.Warning
	case IconError:
		return Styles.Error
	default:
		return Styles.Muted
	}
}

// Printer writes styled lines to w.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter styles output only when w is a terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" {
		styled = false
	}
	return &Printer{w: w, styled: styled}
}

// NewPlainPrinter never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// Title prints a bold heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Title, text))
}

// Status prints "icon label detail". Detail is muted and may be empty.
func (p *Printer) Status(icon Icon, label, detail string) {
	mark := icon.plain()
	if p.styled {
		mark = icon.style().Render(string(icon))
	}
	line := mark + " " + p.render(Styles.Bold, label)
	if detail != "" {
		line += " " + p.render(Styles.Muted, detail)
	}
	fmt.Fprintln(p.w, line)
}

// Item prints an indented line under the previous Status.
func (p *Printer) Item(text string) {
	fmt.Fprintln(p.w, "    "+p.render(Styles.Muted, text))
}

// Errorf prints a red error line.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(Styles.Error, fmt.Sprintf(format, args...)))
}

// Summary prints a boxed build summary.
func (p *Printer) Summary(ok, failed int, elapsed time.Duration, extra ...string) {
	lines := []string{fmt.Sprintf("%d succeeded, %d failed in %s", ok, failed, elapsed.Round(time.Millisecond))}
	lines = append(lines, extra...)
	body := strings.Join(lines, "\n")
	if !p.styled {
		fmt.Fprintln(p.w, body)
		return
	}
	box := Styles.Box
	if failed > 0 {
		box = box.BorderForeground(ColorError)
	}
	fmt.Fprintln(p.w, box.Render(body))
}
