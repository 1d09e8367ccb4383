// In-memory Git object space: blobs, copy-on-write trees, commits,
// branches, and the repository that owns them.
//
// Trees are built incrementally as the dump stream replays and written
// at revision boundaries.  A Tree referenced from the revision-tree
// window or from an already-flushed commit must never be mutated; every
// mutating walk therefore replaces each subtree on its path with a
// shallow copy before descending, so retained snapshots keep seeing the
// entries they had when they were taken.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	trie "github.com/acomagu/trie"
	linkedhashmap "github.com/emirpasic/gods/maps/linkedhashmap"
)

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("assertion violated: "+format, args...))
	}
}

// GitObject is the sum of the three object variants the converter
// builds: Blob, Tree, and Commit.
type GitObject interface {
	GetName() string
	Mode() int
	OID() OID
	IsBlob() bool
	IsTree() bool
	IsWritten() bool
	IsModified() bool
	Write() error
	// CopyToName returns an object with the same content identity
	// under another filename.  Blobs share their content; trees are
	// shallow-copied.
	CopyToName(name string) GitObject
}

// Blob is a file's content identity plus its name and mode.  Content is
// written to the object store eagerly at creation, so a Blob is always
// in the written state and its identity never changes.
type Blob struct {
	repo *Repository
	name string
	mode int
	oid  OID
}

func (b *Blob) GetName() string  { return b.name }
func (b *Blob) Mode() int        { return b.mode }
func (b *Blob) OID() OID         { return b.oid }
func (b *Blob) IsBlob() bool     { return true }
func (b *Blob) IsTree() bool     { return false }
func (b *Blob) IsWritten() bool  { return true }
func (b *Blob) IsModified() bool { return false }
func (b *Blob) Write() error     { return nil }

func (b *Blob) CopyToName(name string) GitObject {
	if name == b.name {
		return b
	}
	return &Blob{repo: b.repo, name: name, mode: b.mode, oid: b.oid}
}

// Tree is a directory of named child objects.  The entry map preserves
// insertion order; Git's sort order is imposed only at write time.
//
// The written flag means the on-disk identity matches the entry set's
// shape; modified means entries changed since the last write.  A
// written-and-modified tree had only leaf blobs swapped in place and
// needs just a re-hash; a tree with written cleared changed shape and
// is rebuilt from scratch.
type Tree struct {
	repo     *Repository
	name     string
	mode     int
	entries  *linkedhashmap.Map
	written  bool
	modified bool
	oid      OID
}

func (t *Tree) GetName() string  { return t.name }
func (t *Tree) Mode() int        { return t.mode }
func (t *Tree) OID() OID         { return t.oid }
func (t *Tree) IsBlob() bool     { return false }
func (t *Tree) IsTree() bool     { return true }
func (t *Tree) IsWritten() bool  { return t.written && !t.modified }
func (t *Tree) IsModified() bool { return t.modified }

func (t *Tree) Empty() bool {
	return t.entries.Empty()
}

// copy makes a shallow copy: a fresh entry map sharing the child
// objects.  The copy is unwritten so its identity is recomputed.
func (t *Tree) copy() *Tree {
	nt := t.repo.CreateTree(t.name)
	it := t.entries.Iterator()
	for it.Next() {
		nt.entries.Put(it.Key(), it.Value())
	}
	return nt
}

func (t *Tree) CopyToName(name string) GitObject {
	nt := t.copy()
	nt.name = name
	return nt
}

// Lookup walks path and returns the object there, or nil if any
// segment is absent or descends through a blob.  The empty path is the
// tree itself.
func (t *Tree) Lookup(path string) GitObject {
	if path == "" {
		return t
	}
	segments := splitPath(path)
	current := t
	for i, segment := range segments {
		v, ok := current.entries.Get(segment)
		if !ok {
			return nil
		}
		obj := v.(GitObject)
		if i == len(segments)-1 {
			return obj
		}
		sub, ok := obj.(*Tree)
		if !ok {
			return nil
		}
		current = sub
	}
	return nil
}

// Update places obj at path, creating intermediate trees as needed.
// The terminal segment must equal obj's name; callers placing content
// under another filename go through CopyToName first.
func (t *Tree) Update(path string, obj GitObject) {
	assertf(path != "", "tree update with empty path")
	t.doUpdate(splitPath(path), obj)
}

func (t *Tree) doUpdate(segments []string, obj GitObject) {
	name := segments[0]
	if len(segments) == 1 {
		existing, ok := t.entries.Get(name)
		if !ok {
			t.entries.Put(obj.GetName(), obj)
			t.written = false
		} else {
			old := existing.(GitObject)
			if t.written && old.IsBlob() && obj.IsBlob() &&
				old.GetName() == obj.GetName() {
				// Same shape, new leaf content: the tree keeps its
				// written state and is re-hashed at flush.
				t.entries.Put(name, obj)
			} else if name != obj.GetName() {
				// Renamed entry: re-key under the new name.
				t.entries.Remove(name)
				t.entries.Put(obj.GetName(), obj)
				t.written = false
			} else {
				t.entries.Put(name, obj)
				t.written = false
			}
		}
	} else {
		var subtree *Tree
		if v, ok := t.entries.Get(name); ok {
			obj2 := v.(GitObject)
			st, ok := obj2.(*Tree)
			assertf(ok, "update descends through blob %q", name)
			subtree = st.copy()
		} else {
			subtree = t.repo.CreateTree(name)
		}
		t.entries.Put(name, subtree)
		t.written = false
		subtree.doUpdate(segments[1:], obj)
	}
	t.modified = true
}

// Remove deletes the entry at path.  A missing path is a silent no-op:
// Subversion will happily remove directories that were always empty and
// so never existed as Git entries.  A subtree emptied by the removal is
// itself removed, propagating upward.
func (t *Tree) Remove(path string) {
	if path == "" {
		return
	}
	t.doRemove(splitPath(path))
}

func (t *Tree) doRemove(segments []string) bool {
	name := segments[0]
	v, ok := t.entries.Get(name)
	if !ok {
		return false
	}
	if len(segments) == 1 {
		t.entries.Remove(name)
		t.written = false
		t.modified = true
		return true
	}
	st, ok := v.(*Tree)
	if !ok {
		return false
	}
	subtree := st.copy()
	if !subtree.doRemove(segments[1:]) {
		return false
	}
	if subtree.Empty() {
		t.entries.Remove(name)
	} else {
		t.entries.Put(name, subtree)
	}
	t.written = false
	t.modified = true
	return true
}

func (t *Tree) collectEntries() []treeEntry {
	out := make([]treeEntry, 0, t.entries.Size())
	it := t.entries.Iterator()
	for it.Next() {
		obj := it.Value().(GitObject)
		assertf(obj.GetName() == it.Key().(string),
			"entry %q holds object named %q", it.Key(), obj.GetName())
		out = append(out, treeEntry{mode: obj.Mode(), name: obj.GetName(), oid: obj.OID()})
	}
	return out
}

// Write computes and stores the tree's identity.  An empty tree writes
// nothing; a clean written tree is a no-op.
func (t *Tree) Write() error {
	if t.Empty() {
		return nil
	}
	if t.written {
		if t.modified {
			// Shape unchanged, leaf identities swapped: re-hash the
			// current entry set without touching children.
			oid, err := t.repo.store.writeTreeObject(t.collectEntries())
			if err != nil {
				return err
			}
			t.oid = oid
			t.modified = false
		}
		return nil
	}
	// Full rebuild: write children first, then this tree.
	it := t.entries.Iterator()
	for it.Next() {
		obj := it.Value().(GitObject)
		if !obj.IsBlob() {
			if err := obj.Write(); err != nil {
				return err
			}
		}
	}
	oid, err := t.repo.store.writeTreeObject(t.collectEntries())
	if err != nil {
		return err
	}
	t.oid = oid
	t.written = true
	t.modified = false
	return nil
}

// Commit is an output commit under construction or already written.
// The branch link is a non-owning back-reference used by the flush.
type Commit struct {
	repo      *Repository
	tree      *Tree
	parent    *Commit
	branch    *Branch
	newBranch bool
	author    Signature
	message   string
	oid       OID
}

func (c *Commit) GetName() string { return "" }
func (c *Commit) Mode() int       { return modeTree }
func (c *Commit) OID() OID        { return c.oid }
func (c *Commit) IsBlob() bool    { return false }
func (c *Commit) IsTree() bool    { return false }
func (c *Commit) IsWritten() bool { return !c.oid.IsZero() }

func (c *Commit) IsModified() bool {
	return c.tree != nil && c.tree.IsModified()
}

func (c *Commit) CopyToName(name string) GitObject {
	assertf(false, "commit cannot be copied to a name")
	return nil
}

// HasTree reports whether the commit carries any content at all.  A
// commit whose tree went empty marks its branch as deleted at flush.
func (c *Commit) HasTree() bool {
	return c.tree != nil && !c.tree.Empty()
}

func (c *Commit) Lookup(path string) GitObject {
	if c.tree == nil {
		return nil
	}
	return c.tree.Lookup(path)
}

func (c *Commit) Update(path string, obj GitObject) {
	if path == "" {
		// The branch root itself was copied over: the commit's whole
		// tree becomes the grafted subtree.
		st, ok := obj.(*Tree)
		assertf(ok, "branch root updated with a non-tree")
		c.tree = st
		return
	}
	if c.tree == nil {
		c.tree = c.repo.CreateTree("")
	}
	c.tree.Update(path, obj)
}

func (c *Commit) Remove(path string) {
	if c.tree == nil {
		return
	}
	if path == "" {
		// The branch root was deleted; an empty tree marks the branch
		// as dead at the next flush.
		c.tree = c.repo.CreateTree("")
		return
	}
	c.tree.Remove(path)
}

// Clone derives the next commit from this one: same tree contents via a
// shallow copy, this commit as parent.
func (c *Commit) Clone() *Commit {
	assertf(c.IsWritten(), "cloning an unwritten commit")
	nc := c.repo.CreateCommit(c)
	if c.tree != nil {
		nc.tree = c.tree.copy()
	}
	return nc
}

func (c *Commit) SetAuthor(name, email string, when time.Time) {
	c.author = Signature{Name: name, Email: email, When: when}
}

func (c *Commit) SetMessage(message string) {
	c.message = message
}

// Write emits the commit object.  The tree, and the parent if present,
// are written first.
func (c *Commit) Write() error {
	if c.IsWritten() {
		return nil
	}
	assertf(c.tree != nil, "writing a commit with no tree")
	if c.parent != nil {
		if err := c.parent.Write(); err != nil {
			return err
		}
	}
	if err := c.tree.Write(); err != nil {
		return err
	}
	var parent OID
	if c.parent != nil {
		parent = c.parent.oid
	}
	oid, err := c.repo.store.writeCommitObject(c.tree.oid, parent, c.author, c.message)
	if err != nil {
		return err
	}
	c.oid = oid
	return nil
}

// Branch is a named output ref, optionally tied to a path prefix in the
// source tree.  Commit is the last written commit; NextCommit is the
// in-flight commit collecting the current revision's changes.
type Branch struct {
	repo       *Repository
	Name       string
	Prefix     string
	IsTag      bool
	Commit     *Commit
	NextCommit *Commit
}

// GetCommit returns the branch's in-flight commit, creating and
// enqueueing one if necessary.  A brand-new branch clones fromBranch's
// last commit when one is given, which threads the copy-from parent
// edge into Git history.
func (b *Branch) GetCommit(fromBranch *Branch) *Commit {
	if b.NextCommit != nil {
		b.repo.ensureQueued(b.NextCommit)
		return b.NextCommit
	}
	var c *Commit
	switch {
	case b.Commit != nil:
		c = b.Commit.Clone()
	case fromBranch != nil && fromBranch.Commit != nil:
		c = fromBranch.Commit.Clone()
		c.newBranch = true
	default:
		c = b.repo.CreateCommit(nil)
	}
	c.branch = b
	b.NextCommit = c
	b.repo.commitQueue = append(b.repo.commitQueue, c)
	return c
}

func (b *Branch) refPath() string {
	if b.IsTag {
		return "refs/tags/" + b.Name
	}
	return "refs/heads/" + b.Name
}

// Repository owns the branch registries, the commit queue, and the
// object store for one output repository.  Submodule repositories have
// the same shape with a nonempty repoName.
type Repository struct {
	store          *objectStore
	status         *Status
	repoName       string
	branchesByName map[string]*Branch
	branchesByPath map[string]*Branch
	branchTrie     trie.Tree
	commitQueue    []*Commit
	setCommitInfo  func(*Commit)
}

func noCommitInfo(*Commit) {}

// NewRepository opens (initializing if needed) a Git repository at
// pathname.
func NewRepository(pathname string, status *Status,
	setCommitInfo func(*Commit)) (*Repository, error) {
	if setCommitInfo == nil {
		setCommitInfo = noCommitInfo
	}
	store, err := initObjectStore(pathname, status)
	if err != nil {
		return nil, err
	}
	return &Repository{
		store:          store,
		status:         status,
		branchesByName: make(map[string]*Branch),
		branchesByPath: make(map[string]*Branch),
		setCommitInfo:  setCommitInfo,
	}, nil
}

func (r *Repository) CreateBlob(name string, data []byte, mode int) (*Blob, error) {
	oid, err := r.store.writeObject("blob", data)
	if err != nil {
		return nil, err
	}
	return &Blob{repo: r, name: name, mode: mode, oid: oid}, nil
}

func (r *Repository) CreateTree(name string) *Tree {
	return &Tree{repo: r, name: name, mode: modeTree,
		entries: linkedhashmap.New()}
}

func (r *Repository) CreateCommit(parent *Commit) *Commit {
	return &Commit{repo: r, parent: parent}
}

// NewBranch registers nothing; it only builds the value.  Registration
// happens through FindBranchByName/AddBranchPrefix so the indices stay
// consistent.
func (r *Repository) NewBranch(name string, isTag bool) *Branch {
	return &Branch{repo: r, Name: name, IsTag: isTag}
}

// FindBranchByName returns the branch registered under name.  When
// absent and dflt is non-nil, dflt is registered and returned.
func (r *Repository) FindBranchByName(name string, dflt *Branch) *Branch {
	if b, ok := r.branchesByName[name]; ok {
		return b
	}
	if dflt == nil {
		return nil
	}
	r.branchesByName[name] = dflt
	return dflt
}

// AddBranchPrefix indexes a branch under its path prefix.  Returns
// false when the prefix is already taken.
func (r *Repository) AddBranchPrefix(prefix string, b *Branch) bool {
	if _, ok := r.branchesByPath[prefix]; ok {
		return false
	}
	r.branchesByPath[prefix] = b
	r.branchTrie = nil
	return true
}

// branchtrie returns the prefix-matching trie, rebuilding it lazily
// after registry changes.  Keys carry a trailing separator so that
// matches always end on a segment boundary.
func (r *Repository) branchtrie() trie.Tree {
	if len(r.branchesByPath) == 0 {
		return nil
	}
	if r.branchTrie != nil {
		return r.branchTrie
	}
	keys := make([][]byte, 0, len(r.branchesByPath))
	values := make([]interface{}, 0, len(r.branchesByPath))
	for prefix := range r.branchesByPath {
		keys = append(keys, []byte(prefix+svnSep))
		values = append(values, true)
	}
	r.branchTrie = trie.New(keys, values)
	return r.branchTrie
}

func longestPrefix(t trie.Tree, key []byte) []byte {
	var prefix []byte
	if t == nil {
		return prefix
	}
	for i, c := range key {
		if t = t.TraceByte(c); t == nil {
			break
		}
		if _, ok := t.Terminal(); ok {
			prefix = key[:i+1]
		}
	}
	return prefix
}

// FindBranchByPath resolves a source path to the branch with the
// deepest registered prefix covering it.  With no registered prefixes
// everything lands on an implicit master.
func (r *Repository) FindBranchByPath(path string) *Branch {
	if len(r.branchesByPath) == 0 {
		return r.FindBranchByName("master", r.NewBranch("master", false))
	}
	match := longestPrefix(r.branchtrie(), []byte(path+svnSep))
	if match == nil {
		return nil
	}
	prefix := string(match[:len(match)-1])
	return r.branchesByPath[prefix]
}

func (r *Repository) ensureQueued(c *Commit) {
	for _, queued := range r.commitQueue {
		if queued == c {
			return
		}
	}
	r.commitQueue = append(r.commitQueue, c)
}

// Write flushes the commit queue at a revision boundary.  Commits that
// gathered content are finalized and written; a commit whose tree went
// empty means its branch was deleted, which is memorialized with a
// deletion tag before the branch is reset.  Returns how many commits
// were written; deleted branches are not counted.
func (r *Repository) Write(relatedRev int) (int, error) {
	modified := 0
	for _, c := range r.commitQueue {
		branch := c.branch
		assertf(branch != nil, "queued commit with no branch")
		branch.NextCommit = nil
		if c.HasTree() {
			r.setCommitInfo(c)
			branch.Commit = c
			if err := c.Write(); err != nil {
				return modified, err
			}
			modified++
		} else if branch.Commit != nil {
			if err := r.DeleteBranch(branch, relatedRev); err != nil {
				return modified, err
			}
		}
	}
	r.commitQueue = r.commitQueue[:0]
	return modified, nil
}

// DeleteBranch tags the branch's last commit as
// <name>__deleted_r<rev>, preserving its history, then clears the
// branch state so the name can be reborn by a later copy.
func (r *Repository) DeleteBranch(branch *Branch, relatedRev int) error {
	if branch.Commit != nil {
		tag := fmt.Sprintf("%s__deleted_r%d", branch.Name, relatedRev)
		if err := r.CreateTag(branch.Commit, tag); err != nil {
			return err
		}
		if r.status != nil {
			r.status.Info("branch %s deleted, tagged as %s", branch.Name, tag)
		}
	}
	branch.Commit = nil
	branch.NextCommit = nil
	os.Remove(filepath.Join(r.store.gitdir, filepath.FromSlash(branch.refPath())))
	return nil
}

// WriteBranches refreshes the ref files for every branch that has a
// written commit.
func (r *Repository) WriteBranches() error {
	for _, b := range r.branchesByName {
		if b.Commit == nil || !b.Commit.IsWritten() {
			continue
		}
		if err := r.store.createFile(b.refPath(), b.Commit.oid.String()+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// CreateTag writes an annotated tag object for commit and points
// refs/tags/<name> at it.
func (r *Repository) CreateTag(c *Commit, name string) error {
	if err := c.Write(); err != nil {
		return err
	}
	tagger := c.author
	if tagger.Name == "" {
		tagger = Signature{Name: "subgit", Email: "subgit@localhost",
			When: c.author.When}
	}
	oid, err := r.store.writeTagObject(c.oid, name, tagger)
	if err != nil {
		return err
	}
	return r.CreateRef(oid, name, true)
}

// CreateRef points a ref file at an object.
func (r *Repository) CreateRef(oid OID, name string, isTag bool) error {
	prefix := "refs/heads/"
	if isTag {
		prefix = "refs/tags/"
	}
	return r.store.createFile(prefix+name, oid.String()+"\n")
}

func (r *Repository) GarbageCollect() error {
	return r.store.garbageCollect()
}
