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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Row is one line of a run report.
type Row struct {
	Name      string
	Passed    bool
	Kind      string
	State     string
	Committed int64
	Duration  time.Duration

	// Detail is the failure message, empty on success.
	Detail string

	// Postmortem is the capture folder of a fatal failure.
	Postmortem string
}

// Report is the result table of a run.
type Report struct {
	Title string
	Rows  []Row

	// Notes are printed under the table, e.g. the journal location.
	Notes []string
}

// Counts returns the passed and failed row counts.
func (r Report) Counts() (passed, failed int) {
	for _, row := range r.Rows {
		if row.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Report prints r.
//
// # Description
//
// Rich and plain modes draw a table followed by failure details and a
// summary line. Machine mode prints one tab-separated line per row:
//
//	PASS|FAIL <name> <state> <committed> <duration> <kind> <detail>
//
// followed by "SUMMARY: passed=N failed=N total=N".
func (p *Printer) Report(r Report) {
	passed, failed := r.Counts()
	if p.mode == ModeMachine {
		for _, row := range r.Rows {
			status := "PASS"
			if !row.Passed {
				status = "FAIL"
			}
			fmt.Fprintf(p.w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				status, row.Name, row.State, row.Committed, row.Duration.Round(time.Millisecond), row.Kind, oneLine(row.Detail))
		}
		fmt.Fprintf(p.w, "SUMMARY: passed=%d failed=%d total=%d\n", passed, failed, len(r.Rows))
		return
	}

	p.Title(r.Title)
	fmt.Fprintln(p.w, p.table(r.Rows))

	for _, row := range r.Rows {
		if row.Passed {
			continue
		}
		detail := row.Detail
		if row.Postmortem != "" {
			detail += "\npostmortem: " + row.Postmortem
		}
		p.box(row.Name+" ("+row.Kind+")", detail, true)
	}
	for _, n := range r.Notes {
		fmt.Fprintf(p.w, "%s %s\n", p.icon(IconArrow), p.style(Styles.Muted, n))
	}

	summary := fmt.Sprintf("%s passed  %s failed  %s total",
		p.style(Styles.Success, strconv.Itoa(passed)),
		p.style(Styles.Error, strconv.Itoa(failed)),
		p.style(Styles.Bold, strconv.Itoa(len(r.Rows))))
	fmt.Fprintln(p.w, summary)
}

func (p *Printer) table(rows []Row) string {
	t := table.New().Headers("", "SCENARIO", "STATE", "ROWS", "TIME")
	for _, row := range rows {
		icon := IconSuccess
		if !row.Passed {
			icon = IconError
		}
		t.Row(p.icon(icon), row.Name, row.State, strconv.FormatInt(row.Committed, 10), row.Duration.Round(time.Millisecond).String())
	}

	if p.mode != ModeRich {
		return t.Border(lipgloss.ASCIIBorder()).
			StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().Padding(0, 1) }).
			String()
	}
	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true).Foreground(ColorTealPrimary)
			}
			return s
		}).
		String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
