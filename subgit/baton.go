/*
 * Status display machinery
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"io"
	"os"

	terminal "golang.org/x/crypto/ssh/terminal"
)

// Options collects the behavior switches shared by every command.
type Options struct {
	Verbose bool
	Quiet   bool
	Debug   bool
	Verify  bool
	Skip    bool
	Start   int
	Cutoff  int
	Collect int

	AuthorsFile  string
	BranchesFile string
	ModulesFile  string
}

// Status owns the progress line and all user-facing messages.  Progress
// updates rewrite one terminal line ("Scanning: 42% (1042/2480)\r");
// warnings and errors first break out of that line, print prefixed with
// the current revision, and let the next update redraw it.  When the
// output stream is not a terminal the progress line is suppressed
// entirely so that logs stay readable.
type Status struct {
	out         io.Writer
	Verb        string
	opts        *Options
	rev         int
	finalRev    int
	needNewline bool
	progress    bool
}

func newStatus(out io.Writer, opts *Options, verb string) *Status {
	s := &Status{out: out, Verb: verb, opts: opts, rev: -1}
	if f, ok := out.(*os.File); ok {
		s.progress = terminal.IsTerminal(int(f.Fd()))
	}
	return s
}

func (s *Status) SetFinalRev(rev int) {
	s.finalRev = rev
}

func (s *Status) DebugMode() bool {
	return s.opts != nil && s.opts.Debug
}

func (s *Status) newline() {
	if s.needNewline && !s.quiet() {
		fmt.Fprintln(s.out)
		s.needNewline = false
	}
}

func (s *Status) quiet() bool {
	return s.opts != nil && s.opts.Quiet
}

func (s *Status) verbose() bool {
	return s.opts != nil && s.opts.Verbose
}

// Update redraws the progress line for the given revision.
func (s *Status) Update(nextRev int) {
	s.rev = nextRev
	if s.quiet() || !s.progress {
		return
	}
	fmt.Fprintf(s.out, "%s: ", s.Verb)
	if nextRev != -1 {
		if s.finalRev > 0 {
			fmt.Fprintf(s.out, "%d%% (%d/%d)",
				(nextRev*100)/s.finalRev, nextRev, s.finalRev)
		} else {
			fmt.Fprintf(s.out, "%d", nextRev)
		}
	} else {
		fmt.Fprint(s.out, ", done.")
	}
	fmt.Fprint(s.out, "\r")
	s.needNewline = true
}

// Finish terminates the progress line once a pass is complete.
func (s *Status) Finish() {
	if s.needNewline && !s.quiet() {
		fmt.Fprintln(s.out, ", done.")
		s.needNewline = false
	}
}

func (s *Status) emit(msg string) {
	s.newline()
	if s.rev >= 0 {
		fmt.Fprintf(s.out, "r%d: %s\n", s.rev, msg)
	} else {
		fmt.Fprintln(s.out, msg)
	}
}

func (s *Status) Debug(format string, args ...interface{}) {
	if s.DebugMode() {
		s.emit(fmt.Sprintf(format, args...))
	}
}

func (s *Status) Info(format string, args ...interface{}) {
	if s.verbose() || s.DebugMode() {
		s.emit(fmt.Sprintf(format, args...))
	}
}

func (s *Status) Warn(format string, args ...interface{}) {
	s.emit(fmt.Sprintf(format, args...))
}
