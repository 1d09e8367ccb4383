// subgit converts Subversion repository dump streams into Git
// repositories, preserving branches, tags, copies, and author
// identities revision by revision.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"
	"os"
	"time"

	cobra "github.com/spf13/cobra"
	fqme "gitlab.com/esr/fqme"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "subgit: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:           "subgit",
		Short:         "convert Subversion dump streams to Git repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.BoolVar(&opts.Verify, "verify", false, "verify text checksums while reading")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "report each change as it is made")
	pf.BoolVarP(&opts.Quiet, "quiet", "q", false, "suppress progress output")
	pf.BoolVarP(&opts.Debug, "debug", "d", false, "emit debugging detail")
	pf.BoolVar(&opts.Skip, "skip", false, "skip the pre-scan validation pass")
	pf.IntVar(&opts.Start, "start", 0, "first revision to apply")
	pf.IntVar(&opts.Cutoff, "cutoff", 0, "stop before this revision")
	pf.IntVar(&opts.Collect, "gc", 0, "garbage-collect every N revisions")
	pf.StringVarP(&opts.AuthorsFile, "authors", "A", "", "authors table (id \\t name \\t email)")
	pf.StringVarP(&opts.BranchesFile, "branches", "B", "", "branches table")
	pf.StringVarP(&opts.ModulesFile, "modules", "M", "", "submodules manifest")

	root.AddCommand(&cobra.Command{
		Use:   "print DUMP-FILE",
		Short: "list every node in the dump stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := NewDumpFile(args[0])
			if err != nil {
				return err
			}
			defer dump.Close()
			return printDump(dump, os.Stdout)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "authors DUMP-FILE",
		Short: "report author-id usage frequencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := NewDumpFile(args[0])
			if err != nil {
				return err
			}
			defer dump.Close()
			status := newStatus(os.Stderr, opts, "Scanning")
			finder := NewAuthors(status)
			for {
				ok, err := dump.ReadNext(true, false)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				status.SetFinalRev(dump.LastRevNr())
				finder.Examine(dump.CurrNode())
			}
			finder.Report(os.Stdout)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "branches DUMP-FILE",
		Short: "report a row per detected branch or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := NewDumpFile(args[0])
			if err != nil {
				return err
			}
			defer dump.Close()
			status := newStatus(os.Stderr, opts, "Scanning")
			finder := NewFindBranches(status)
			for {
				ok, err := dump.ReadNext(true, false)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				status.SetFinalRev(dump.LastRevNr())
				finder.Examine(dump.CurrNode())
			}
			finder.Report(os.Stdout)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "scan DUMP-FILE",
		Short: "read the whole stream, optionally verifying checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump, err := NewDumpFile(args[0])
			if err != nil {
				return err
			}
			defer dump.Close()
			status := newStatus(os.Stderr, opts, "Scanning")
			for {
				ok, err := dump.ReadNext(!opts.Verify, opts.Verify)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				status.SetFinalRev(dump.LastRevNr())
				if opts.Verbose {
					status.Update(dump.RevNr())
				}
			}
			if opts.Verbose {
				status.Finish()
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "convert DUMP-FILE [DIR]",
		Short: "convert the dump stream into a Git repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 1 {
				target = args[1]
			}
			return runConvert(opts, args[0], target)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "git-test DIR",
		Short: "sanity-check the Git object writer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGitTest(opts, args[0])
		},
	})

	return root
}

// runConvert is the two-pass driver: prescan with verification, then
// rewind and replay.
func runConvert(opts *Options, dumpPath, target string) error {
	dump, err := NewDumpFile(dumpPath)
	if err != nil {
		return err
	}
	defer dump.Close()

	status := newStatus(os.Stderr, opts, "Scanning")
	cr, err := NewConvertRepository(target, status, opts)
	if err != nil {
		return err
	}

	// Load whatever assistance the user supplied.  Problems accumulate
	// so they can all be reported in one run.
	problems := 0
	if opts.AuthorsFile != "" {
		cr.authors = NewAuthors(status)
		problems += cr.authors.Load(opts.AuthorsFile)
	}
	if opts.BranchesFile != "" {
		problems += LoadBranches(opts.BranchesFile, cr)
	}
	if opts.ModulesFile != "" {
		problems += LoadModules(opts.ModulesFile, cr)
	}

	if !opts.Skip {
		status.Verb = "Scanning"
		for {
			ok, err := dump.ReadNext(false, true)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			node := dump.CurrNode()
			status.SetFinalRev(boundedFinalRev(dump, opts))
			if opts.Cutoff > 0 && node.Rev >= opts.Cutoff {
				break
			}
			if opts.Start <= 0 || node.Rev >= opts.Start {
				problems += cr.Prescan(node)
			}
		}
		status.Finish()
		cr.SortCopyFrom()
		if problems > 0 {
			status.Warn("Please correct the errors listed above and run again.")
			return fmt.Errorf("%d problems found during pre-scan", problems)
		}
		status.Warn("Note: --skip can be used to skip this pre-scan.")
		if err := dump.Rewind(); err != nil {
			return err
		}
	} else if problems > 0 {
		return fmt.Errorf("%d problems loading configuration", problems)
	}

	status.Verb = "Converting"
	for {
		ok, err := dump.ReadNext(false, false)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		node := dump.CurrNode()
		status.SetFinalRev(boundedFinalRev(dump, opts))
		if opts.Cutoff > 0 && node.Rev >= opts.Cutoff {
			break
		}
		if opts.Start <= 0 || node.Rev >= opts.Start {
			if err := cr.HandleNode(node); err != nil {
				return err
			}
		} else {
			status.Update(node.Rev)
		}
	}
	if err := cr.Finish(); err != nil {
		return err
	}
	status.Finish()
	return nil
}

func boundedFinalRev(dump *DumpFile, opts *Options) int {
	final := dump.LastRevNr()
	if opts.Cutoff > 0 && opts.Cutoff < final {
		final = opts.Cutoff
	}
	return final
}

// runGitTest exercises the writer contract end to end: two commits on
// two branches, a tree update, a removal, and ref updates.
func runGitTest(opts *Options, dir string) error {
	status := newStatus(os.Stderr, opts, "Testing")
	repo, err := NewRepository(dir, status, nil)
	if err != nil {
		return err
	}

	name, email, err := fqme.WhoAmI()
	if err != nil || name == "" {
		name, email = "Subgit Tester", "subgit@localhost"
	}

	then, _ := time.Parse("2006-01-02T15:04:05", "2005-04-07T22:13:13")

	fmt.Fprintln(os.Stderr, "Creating initial commit...")
	commit := repo.CreateCommit(nil)

	fmt.Fprintln(os.Stderr, "Adding blobs to commit...")
	baz, err := repo.CreateBlob("baz.c", []byte("#include <stdio.h>\n"), modeBlob)
	if err != nil {
		return err
	}
	commit.Update("foo/bar/baz.c", baz)
	bar, err := repo.CreateBlob("bar.c", []byte("#include <stdlib.h>\n"), modeBlob)
	if err != nil {
		return err
	}
	commit.Update("foo/bar/bar.c", bar)
	commit.SetAuthor(name, email, then)
	commit.SetMessage("This is a sample commit.\n")

	feature := repo.FindBranchByName("feature", repo.NewBranch("feature", false))
	fmt.Fprintln(os.Stderr, "Updating feature branch...")
	if err := commit.Write(); err != nil {
		return err
	}
	feature.Commit = commit
	if err := repo.WriteBranches(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Cloning commit...")
	next := commit.Clone()
	fmt.Fprintln(os.Stderr, "Removing file...")
	next.Remove("foo/bar/baz.c")
	then, _ = time.Parse("2006-01-02T15:04:05", "2005-04-10T22:13:13")
	next.SetAuthor(name, email, then)
	next.SetMessage("This removes the previous file.\n")

	master := repo.FindBranchByName("master", repo.NewBranch("master", false))
	fmt.Fprintln(os.Stderr, "Updating master branch...")
	if err := next.Write(); err != nil {
		return err
	}
	master.Commit = next
	return repo.WriteBranches()
}
