// Submodule repositories and the modules manifest.
//
// The manifest is INI-shaped: a [module-name] section introduces one
// submodule, and each "source-path : target-path" line routes a source
// prefix into that submodule's tree.  A target of "." means the
// submodule root; a source of "<ignore>" discards matching paths; a
// module named "<ignore>" suppresses its whole section.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"os"
	"strings"

	ini "gopkg.in/ini.v1"
)

// Submodule is an auxiliary output repository mirroring a subset of the
// main repository's paths.
type Submodule struct {
	Pathname   string
	Repository *Repository
}

// NewSubmodule initializes the submodule's repository on disk and
// mirrors the parent's branch registry into it, so that parallel
// commits land on same-named branches.
func NewSubmodule(pathname string, cr *ConvertRepository) (*Submodule, error) {
	if err := os.MkdirAll(pathname, 0755); err != nil {
		return nil, err
	}
	repo, err := NewRepository(pathname, cr.status, cr.SetCommitInfo)
	if err != nil {
		return nil, err
	}
	repo.repoName = pathname

	for name, b := range cr.repository.branchesByName {
		mirror := repo.NewBranch(name, b.IsTag)
		mirror.Prefix = b.Prefix
		repo.FindBranchByName(name, mirror)
		if mirror.Prefix != "" {
			repo.AddBranchPrefix(mirror.Prefix, mirror)
		}
	}
	return &Submodule{Pathname: pathname, Repository: repo}, nil
}

// LoadModules reads the submodules manifest and registers every mapping
// with the converter.  Returns the number of problems found.
func LoadModules(pathname string, cr *ConvertRepository) int {
	problems := 0
	cfg, err := ini.LoadSources(ini.LoadOptions{}, pathname)
	if err != nil {
		cr.status.Warn("cannot read modules file %s: %v", pathname, err)
		return 1
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			if len(section.Keys()) > 0 {
				cr.status.Warn("modules file %s: mappings before any [module] header",
					pathname)
				problems++
			}
			continue
		}

		var module *Submodule
		if name != "<ignore>" {
			m, err := NewSubmodule(name, cr)
			if err != nil {
				cr.status.Warn("cannot initialize submodule %s: %v", name, err)
				problems++
				continue
			}
			module = m
			cr.modules = append(cr.modules, m)
		}

		for _, key := range section.Keys() {
			source := strings.TrimSuffix(strings.TrimSpace(key.Name()), svnSep)
			target := strings.TrimSuffix(strings.TrimSpace(key.Value()), svnSep)
			if target == "." {
				target = ""
			}
			if module == nil {
				continue
			}
			entry := submoduleTarget{prefix: target, module: module}
			if source == "<ignore>" {
				continue
			}
			if _, dup := cr.submodulesMap[source]; dup {
				cr.status.Warn("modules file %s: [%s]: %s -> %s repeats a source prefix",
					pathname, name, source, target)
				problems++
				continue
			}
			cr.submodulesMap[source] = entry
		}
	}
	return problems
}
