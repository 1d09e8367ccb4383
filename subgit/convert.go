// The revision replayer.
//
// ConvertRepository consumes the dump stream node by node and maintains
// three things at once: the historical mirror tree (the whole
// Subversion filesystem as of the current revision), the per-branch
// in-flight commits, and the window of past revision trees still needed
// to resolve copy-from references.  Commits are flushed whenever a node
// arrives under a new revision number.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"errors"
	"fmt"
	"strings"

	arraylist "github.com/emirpasic/gods/lists/arraylist"
	treemap "github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// The error kinds that cross component boundaries.  Config and prescan
// problems are counted rather than typed; everything below
// short-circuits.
var (
	errStream          = errors.New("malformed dump stream")
	errWriter          = errors.New("git object store failure")
	errMissingPastTree = errors.New("no retained tree for copy-from revision")
)

// copyFromPair is one reservation: rev copies from fromRev, so the
// snapshot covering fromRev must stay retained until rev is past.
type copyFromPair struct {
	rev     int
	fromRev int
}

// submoduleTarget maps a source prefix to its rewritten prefix inside a
// submodule repository.
type submoduleTarget struct {
	prefix string
	module *Submodule
}

// ConvertRepository drives one conversion.
type ConvertRepository struct {
	status  *Status
	opts    *Options
	authors *Authors

	rev     int
	lastRev int

	revTrees *treemap.Map    // rev → *Tree, ascending
	copyFrom *arraylist.List // copyFromPair, fromRev-ascending after prescan

	repository    *Repository
	historyBranch *Branch

	modules       []*Submodule
	submodulesMap map[string]submoduleTarget

	node      *Node
	signature Signature
	commitLog string
}

// NewConvertRepository opens (or initializes) the target repository and
// sets up the replayer state.
func NewConvertRepository(pathname string, status *Status,
	opts *Options) (*ConvertRepository, error) {
	cr := &ConvertRepository{
		status:        status,
		opts:          opts,
		lastRev:       -1,
		revTrees:      treemap.NewWithIntComparator(),
		copyFrom:      arraylist.New(),
		submodulesMap: make(map[string]submoduleTarget),
	}
	repo, err := NewRepository(pathname, status, cr.SetCommitInfo)
	if err != nil {
		return nil, err
	}
	cr.repository = repo
	cr.historyBranch = repo.FindBranchByName("flat-history",
		repo.NewBranch("flat-history", true))
	return cr, nil
}

// freePastTrees retires reservations the stream has moved past, then
// evicts every snapshot older than the newest one at or below the
// copied-from revision of the last reservation retired.
func (cr *ConvertRepository) freePastTrees() {
	popped := -1
	for !cr.copyFrom.Empty() {
		v, _ := cr.copyFrom.Get(0)
		p := v.(copyFromPair)
		// Defensive conjunction: fromRev < rev for forward copies, so
		// the first test is normally implied by the second.
		if cr.lastRev > p.fromRev && cr.lastRev > p.rev {
			cr.status.Debug("r%d no longer needs r%d", p.rev, p.fromRev)
			popped = p.fromRev
			cr.copyFrom.Remove(0)
		} else {
			break
		}
	}
	if popped < 0 {
		return
	}
	cr.status.Debug("%d tree reservations remain", cr.copyFrom.Size())
	if k, _ := cr.revTrees.Floor(popped); k != nil {
		keep := k.(int)
		for {
			mk, _ := cr.revTrees.Min()
			if mk == nil || mk.(int) >= keep {
				break
			}
			cr.revTrees.Remove(mk)
		}
	}
}

// getPastTree resolves the snapshot covering the node's copy-from
// revision: the newest retained tree at or below it.  When every
// retained tree is newer, the oldest one is used with a warning rather
// than aborting the conversion.
func (cr *ConvertRepository) getPastTree(node *Node) (*Tree, error) {
	if k, v := cr.revTrees.Floor(node.CopyFromRev); k != nil {
		return v.(*Tree), nil
	}
	if !cr.revTrees.Empty() {
		cr.status.Warn("no tree as old as r%d for %s; using oldest retained",
			node.CopyFromRev, node.CopyFromPath)
		_, v := cr.revTrees.Min()
		return v.(*Tree), nil
	}
	return nil, fmt.Errorf("%w: %s, r%d",
		errMissingPastTree, node.CopyFromPath, node.CopyFromRev)
}

// establishCommitInfo refreshes the author signature and commit message
// for the revision the stream just entered.
func (cr *ConvertRepository) establishCommitInfo() {
	node := cr.node

	id := node.Author
	name, email := id, "unknown@unknown.org"
	if id == "" {
		name = "unknown"
	}
	if cr.authors != nil {
		if info, ok := cr.authors.Lookup(id); ok {
			name, email = info.Name, info.Email
		} else if id != "" {
			cr.status.Warn("Unrecognized author id: %s", id)
		}
	}
	cr.signature = Signature{Name: name, Email: email, When: node.Date}

	var buf strings.Builder
	if node.HasLog {
		if log := strings.Trim(node.Log, " \t\n\r"); log != "" {
			buf.WriteString(log)
			buf.WriteString("\n\n")
		}
	}
	fmt.Fprintf(&buf, "SVN-Revision: %d", cr.rev)
	cr.commitLog = buf.String()
}

// SetCommitInfo is the repository callback that stamps a commit with
// the current revision's identity just before it is written.
func (cr *ConvertRepository) SetCommitInfo(c *Commit) {
	c.author = cr.signature
	c.message = cr.commitLog
}

// findSubmodule matches a branch-relative path against the configured
// source prefixes and rewrites it into the submodule's namespace.
func (cr *ConvertRepository) findSubmodule(path string) (string, *Submodule) {
	if t, ok := cr.submodulesMap[path]; ok {
		return t.prefix, t.module
	}
	for _, dir := range pathAncestors(path) {
		if t, ok := cr.submodulesMap[dir]; ok {
			return pathJoin(t.prefix, path[len(dir)+1:]), t.module
		}
	}
	return "", nil
}

// findBranch picks the branch a change lands on.  When the change was
// redirected from another branch (a submodule parallel commit), the
// same-named branch in the target repository is used instead of prefix
// routing.
func (cr *ConvertRepository) findBranch(repo *Repository, path string,
	related *Branch) *Branch {
	if related != nil {
		if b := repo.FindBranchByName(related.Name, nil); b != nil {
			return b
		}
		mirror := repo.NewBranch(related.Name, related.IsTag)
		mirror.Prefix = related.Prefix
		return repo.FindBranchByName(related.Name, mirror)
	}
	return repo.FindBranchByPath(path)
}

// updateObject applies one change: first to the historical mirror tree,
// then to the branch the path routes to, then to any submodule whose
// source prefix covers it.  A nil obj means removal.
func (cr *ConvertRepository) updateObject(repo *Repository, pathname string,
	obj GitObject, fromBranch, related *Branch, debugText string) error {
	// The historical mirror sees the change before any branch does, so
	// the end-of-revision snapshot reflects everything this revision
	// did.  Submodule changes live only in their own repository.
	if repo == cr.repository {
		hc := cr.historyBranch.GetCommit(nil)
		if obj != nil {
			hc.Update(pathname, obj)
		} else {
			hc.Remove(pathname)
		}
	}

	branch := cr.findBranch(repo, pathname, related)
	if branch == nil {
		return fmt.Errorf("%w: no branch covers %s", errStream, pathname)
	}
	bc := branch.GetCommit(fromBranch)

	if debugText != "" {
		tag := ""
		if repo.repoName != "" {
			tag = " {" + repo.repoName + "}"
		}
		cr.status.Info("%s <%s>%s", debugText, branch.Name, tag)
	}

	subpath := pathname
	if related == nil && branch.Prefix != "" {
		if pathname == branch.Prefix {
			subpath = ""
		} else {
			subpath = pathname[len(branch.Prefix)+1:]
		}
	}
	if obj != nil {
		bc.Update(subpath, obj)
	} else {
		bc.Remove(subpath)
	}

	if len(cr.submodulesMap) > 0 && related == nil {
		if target, module := cr.findSubmodule(subpath); module != nil {
			cr.status.Debug("matched to submodule %s -> %s",
				module.Pathname, target)
			return cr.processChange(module.Repository, target, branch)
		}
	}
	return nil
}

func (cr *ConvertRepository) addFile(repo *Repository, pathname string,
	related *Branch) (bool, error) {
	node := cr.node
	var debugText string
	if cr.opts.Verbose || cr.opts.Debug {
		action := "C"
		if node.Action == ActionAdd {
			action = "A"
		}
		debugText = "F" + action + ": " + pathname
	}

	if node.HasCopyFrom {
		past, err := cr.getPastTree(node)
		if err != nil {
			return false, err
		}
		obj := past.Lookup(node.CopyFromPath)
		if obj == nil {
			return false, fmt.Errorf("%w: %s not present in tree r%d",
				errStream, node.CopyFromPath, node.CopyFromRev)
		}
		assertf(obj.IsBlob(), "copy-from source %s is not a file", node.CopyFromPath)
		obj = obj.CopyToName(pathBasename(pathname))
		return true, cr.updateObject(repo, pathname, obj,
			cr.findBranch(repo, node.CopyFromPath, related), related, debugText)
	}

	if node.Action == ActionChange && !node.HasText {
		return false, nil
	}
	blob, err := repo.CreateBlob(pathBasename(pathname), node.Text, modeBlob)
	if err != nil {
		return false, err
	}
	return true, cr.updateObject(repo, pathname, blob, nil, related, debugText)
}

func (cr *ConvertRepository) addDirectory(repo *Repository, pathname string,
	related *Branch) (bool, error) {
	node := cr.node
	assertf(node.HasCopyFrom, "directory add without copy-from reached addDirectory")

	var debugText string
	if cr.opts.Verbose || cr.opts.Debug {
		debugText = fmt.Sprintf("DA: %s [r%d] -> %s",
			node.CopyFromPath, node.CopyFromRev, pathname)
	}

	past, err := cr.getPastTree(node)
	if err != nil {
		return false, err
	}
	obj := past.Lookup(node.CopyFromPath)
	if obj == nil {
		// Copying a directory that held no files; there is nothing to
		// graft and no commit to create.
		return false, nil
	}
	assertf(obj.IsTree(), "copy-from source %s is not a directory", node.CopyFromPath)
	return true, cr.updateObject(repo, pathname,
		obj.CopyToName(pathBasename(pathname)),
		cr.findBranch(repo, node.CopyFromPath, related), related, debugText)
}

func (cr *ConvertRepository) deleteItem(repo *Repository, pathname string,
	related *Branch) (bool, error) {
	var debugText string
	if cr.opts.Verbose || cr.opts.Debug {
		debugText = "?D: " + pathname
	}
	return true, cr.updateObject(repo, pathname, nil, nil, related, debugText)
}

// processChange classifies the current node and dispatches.  Directory
// adds without copy-from and property-only changes are ignored;
// directories exist in Git only by virtue of their contents.
func (cr *ConvertRepository) processChange(repo *Repository, pathname string,
	related *Branch) error {
	node := cr.node
	var changed bool
	var err error
	switch {
	case node.Kind == KindFile &&
		(node.Action == ActionAdd || node.Action == ActionChange):
		changed, err = cr.addFile(repo, pathname, related)
	case node.Action == ActionDelete:
		changed, err = cr.deleteItem(repo, pathname, related)
	case node.HasCopyFrom && node.Kind == KindDir && node.Action == ActionAdd:
		changed, err = cr.addDirectory(repo, pathname, related)
	}
	if err != nil {
		return err
	}
	if !changed {
		cr.status.Debug("Change ignored: %s %s", node.Action, node.Kind)
	}
	return nil
}

// HandleNode is the convert pass entry point for one node record.
func (cr *ConvertRepository) HandleNode(node *Node) error {
	cr.node = node
	if node.Path == "" {
		return nil
	}
	cr.rev = node.Rev
	if cr.rev != cr.lastRev {
		if err := cr.advanceRevision(); err != nil {
			return err
		}
	}
	return cr.processChange(cr.repository, node.Path, nil)
}

// advanceRevision runs the revision boundary: flush the queue, snapshot
// the historical tree if anything was committed, flush submodules, run
// the GC cadence, retire stale snapshots, and take on the new
// revision's author and log.
func (cr *ConvertRepository) advanceRevision() error {
	modified, err := cr.repository.Write(cr.lastRev)
	if err != nil {
		return err
	}
	if modified > 0 {
		assertf(cr.historyBranch.Commit != nil,
			"branches flushed but no historical commit exists")
		cr.revTrees.Put(cr.lastRev, cr.historyBranch.Commit.tree)
		if err := cr.maybeCollect(cr.repository); err != nil {
			return err
		}
	}
	for _, m := range cr.modules {
		if n, err := m.Repository.Write(cr.lastRev); err != nil {
			return err
		} else if n > 0 {
			if err := cr.maybeCollect(m.Repository); err != nil {
				return err
			}
		}
	}
	cr.freePastTrees()
	cr.status.Update(cr.rev)
	cr.lastRev = cr.rev
	cr.establishCommitInfo()
	return nil
}

func (cr *ConvertRepository) maybeCollect(repo *Repository) error {
	if cr.opts.Collect <= 0 || cr.rev%cr.opts.Collect != 0 {
		return nil
	}
	if err := repo.WriteBranches(); err != nil {
		return err
	}
	return repo.GarbageCollect()
}

// Prescan validates one node without mutating anything, returning the
// number of problems found, and records copy-from reservations.
func (cr *ConvertRepository) Prescan(node *Node) int {
	cr.node = node
	problems := 0

	cr.status.Update(node.Rev)

	if cr.authors != nil && cr.authors.Len() > 0 {
		if _, ok := cr.authors.Lookup(node.Author); !ok {
			cr.status.Warn("Unrecognized author id: %s", node.Author)
			problems++
		}
	}

	if node.HasCopyFrom {
		cr.status.Debug("Copy from: %d <- %d", node.Rev, node.CopyFromRev)
		dup := false
		if n := cr.copyFrom.Size(); n > 0 {
			v, _ := cr.copyFrom.Get(n - 1)
			p := v.(copyFromPair)
			dup = p.rev == node.Rev && p.fromRev == node.CopyFromRev
		}
		if !dup {
			cr.copyFrom.Add(copyFromPair{rev: node.Rev, fromRev: node.CopyFromRev})
		}
	}

	if len(cr.repository.branchesByPath) > 0 {
		// Directory-only adds and changes need no branch; everything
		// that will reach the replayer does.
		if node.Action == ActionDelete || node.Kind == KindFile || node.HasCopyFrom {
			if cr.repository.FindBranchByPath(node.Path) == nil {
				cr.status.Warn("Could not find branch for %s in r%d",
					node.Path, node.Rev)
				problems++
			}
			if node.HasCopyFrom &&
				cr.repository.FindBranchByPath(node.CopyFromPath) == nil {
				cr.status.Warn("Could not find branch for %s in r%d",
					node.CopyFromPath, node.Rev)
				problems++
			}
		}
	}
	return problems
}

// SortCopyFrom orders the reservations by copied-from revision so the
// eviction policy sees them oldest-first.
func (cr *ConvertRepository) SortCopyFrom() {
	cr.copyFrom.Sort(func(a, b interface{}) int {
		return utils.IntComparator(a.(copyFromPair).fromRev, b.(copyFromPair).fromRev)
	})
	if cr.status.DebugMode() {
		for i := 0; i < cr.copyFrom.Size(); i++ {
			v, _ := cr.copyFrom.Get(i)
			p := v.(copyFromPair)
			cr.status.Debug("%d <- %d", p.rev, p.fromRev)
		}
	}
}

// Finish flushes the final revision, writes every ref, and plants the
// flat-history tag at the historical branch tip.
func (cr *ConvertRepository) Finish() error {
	if _, err := cr.repository.Write(cr.lastRev); err != nil {
		return err
	}
	if err := cr.repository.WriteBranches(); err != nil {
		return err
	}
	for _, m := range cr.modules {
		if _, err := m.Repository.Write(cr.lastRev); err != nil {
			return err
		}
		if err := m.Repository.WriteBranches(); err != nil {
			return err
		}
	}
	if cr.opts.Collect > 0 {
		if err := cr.repository.GarbageCollect(); err != nil {
			return err
		}
		for _, m := range cr.modules {
			if err := m.Repository.GarbageCollect(); err != nil {
				return err
			}
		}
	}
	if cr.historyBranch.Commit != nil {
		if err := cr.repository.CreateTag(cr.historyBranch.Commit,
			cr.historyBranch.Name); err != nil {
			return err
		}
		cr.status.Info("Wrote tag %s", cr.historyBranch.Name)
	}
	return nil
}
