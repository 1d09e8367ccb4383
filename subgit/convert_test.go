package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConvert runs the full prescan + convert protocol over a dump
// built by the caller and returns the converter for inspection.
func testConvert(t *testing.T, dumpText, branchesText, authorsText string) *ConvertRepository {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "repo")
	cr := testConvertInto(t, dir, target, dumpText, branchesText, authorsText)
	return cr
}

func testConvertInto(t *testing.T, dir, target, dumpText, branchesText,
	authorsText string) *ConvertRepository {
	t.Helper()
	dumpPath := filepath.Join(dir, "test.dump")
	if err := os.WriteFile(dumpPath, []byte(dumpText), 0644); err != nil {
		t.Fatal(err)
	}

	opts := &Options{Quiet: true}
	status := newStatus(os.Stderr, opts, "Scanning")
	cr, err := NewConvertRepository(target, status, opts)
	if err != nil {
		t.Fatal(err)
	}
	if authorsText != "" {
		apath := filepath.Join(dir, "authors.txt")
		if err := os.WriteFile(apath, []byte(authorsText), 0644); err != nil {
			t.Fatal(err)
		}
		cr.authors = NewAuthors(status)
		if n := cr.authors.Load(apath); n != 0 {
			t.Fatalf("%d problems loading authors table", n)
		}
	}
	if branchesText != "" {
		bpath := filepath.Join(dir, "branches.txt")
		if err := os.WriteFile(bpath, []byte(branchesText), 0644); err != nil {
			t.Fatal(err)
		}
		if n := LoadBranches(bpath, cr); n != 0 {
			t.Fatalf("%d problems loading branches table", n)
		}
	}

	dump, err := NewDumpFile(dumpPath)
	if err != nil {
		t.Fatal(err)
	}
	defer dump.Close()

	problems := 0
	for {
		ok, err := dump.ReadNext(false, true)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		problems += cr.Prescan(dump.CurrNode())
	}
	if problems != 0 {
		t.Fatalf("%d problems found during pre-scan", problems)
	}
	cr.SortCopyFrom()
	if err := dump.Rewind(); err != nil {
		t.Fatal(err)
	}

	for {
		ok, err := dump.ReadNext(false, false)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if err := cr.HandleNode(dump.CurrNode()); err != nil {
			t.Fatal(err)
		}
	}
	if err := cr.Finish(); err != nil {
		t.Fatal(err)
	}
	return cr
}

func refOID(t *testing.T, repo *Repository, ref string) OID {
	t.Helper()
	oid, err := repo.store.readRef(ref)
	if err != nil {
		t.Fatalf("reading ref %s: %v", ref, err)
	}
	return oid
}

func hasRef(repo *Repository, ref string) bool {
	_, err := repo.store.readRef(ref)
	return err == nil
}

type commitData struct {
	tree      OID
	parent    OID
	hasParent bool
	author    string
	message   string
}

func readCommitData(t *testing.T, repo *Repository, oid OID) commitData {
	t.Helper()
	otype, data, err := repo.store.readObject(oid)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, otype, "commit")
	var cd commitData
	lines := strings.Split(string(data), "\n")
	body := 0
	for i, line := range lines {
		if line == "" {
			body = i + 1
			break
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			cd.tree, err = parseOID(line[5:])
		case strings.HasPrefix(line, "parent "):
			cd.parent, err = parseOID(line[7:])
			cd.hasParent = true
		case strings.HasPrefix(line, "author "):
			cd.author = line[7:]
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	cd.message = strings.Join(lines[body:], "\n")
	return cd
}

// lookupEntry walks tree objects on disk, returning the oid at path.
func lookupEntry(t *testing.T, repo *Repository, tree OID, path string) (OID, bool) {
	t.Helper()
	current := tree
	for _, segment := range splitPath(path) {
		_, data, err := repo.store.readObject(current)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for len(data) > 0 {
			nul := 0
			for data[nul] != 0 {
				nul++
			}
			entry := string(data[:nul])
			var next OID
			copy(next[:], data[nul+1:nul+21])
			data = data[nul+21:]
			name := entry[strings.IndexByte(entry, ' ')+1:]
			if name == segment {
				current = next
				found = true
				break
			}
		}
		if !found {
			return zeroOID, false
		}
	}
	return current, true
}

func blobContent(t *testing.T, repo *Repository, oid OID) string {
	t.Helper()
	otype, data, err := repo.store.readObject(oid)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, otype, "blob")
	return string(data)
}

const branchesTrunkOnly = "branch\t1\t2011-04-07\t2\ttrunk\tmaster\n"
const branchesWithFeature = branchesTrunkOnly +
	"branch\t2\t2011-04-08\t1\tbranches/feature\tfeature\n"

// Single file add: one parentless commit on master holding a.c.
func TestConvertSingleFileAdd(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "add a.c")
	d.addDir("trunk")
	d.addFile("trunk/a.c", "x\n")

	cr := testConvert(t, d.String(), branchesTrunkOnly,
		"alice\tAlice Hacker\talice<>example~com\n")

	head := refOID(t, cr.repository, "refs/heads/master")
	commit := readCommitData(t, cr.repository, head)
	assertBool(t, commit.hasParent, false)
	assertTrue(t, strings.HasPrefix(commit.author, "Alice Hacker <alice@example.com>"))
	assertTrue(t, strings.HasPrefix(commit.message, "add a.c\n\nSVN-Revision: 1"))

	blob, ok := lookupEntry(t, cr.repository, commit.tree, "a.c")
	assertTrue(t, ok)
	assertEqual(t, blobContent(t, cr.repository, blob), "x\n")

	// The historical mirror keeps the full Subversion layout and is
	// tagged at the end.
	assertTrue(t, hasRef(cr.repository, "refs/tags/flat-history"))
	flat := cr.historyBranch.Commit
	if flat == nil {
		t.Fatal("no historical commit")
	}
	mirror, ok := lookupEntry(t, cr.repository, flat.tree.OID(), "trunk/a.c")
	assertTrue(t, ok)
	assertEqual(t, blobContent(t, cr.repository, mirror), "x\n")
}

// Copy-from file: the copy shares the source's blob identity.
func TestConvertCopyFromFile(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "add a.c")
	d.addFile("trunk/a.c", "shared body\n")
	d.revision(2, "alice", testDate2, "copy to b.c")
	d.copyFile("trunk/b.c", 1, "trunk/a.c")

	cr := testConvert(t, d.String(), branchesTrunkOnly, "")

	head := refOID(t, cr.repository, "refs/heads/master")
	commit := readCommitData(t, cr.repository, head)
	a, ok := lookupEntry(t, cr.repository, commit.tree, "a.c")
	assertTrue(t, ok)
	b, ok := lookupEntry(t, cr.repository, commit.tree, "b.c")
	assertTrue(t, ok)
	assertTrue(t, a == b)

	// r2's commit descends from r1's.
	assertTrue(t, commit.hasParent)
	parent := readCommitData(t, cr.repository, commit.parent)
	assertBool(t, parent.hasParent, false)
}

// Directory branch: copying trunk to branches/feature forks the
// branch with master's commit as parent.
func TestConvertDirectoryBranch(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "build trunk")
	d.addFile("trunk/x/a.c", "one\n")
	d.addFile("trunk/x/b.c", "two\n")
	d.revision(2, "bob", testDate2, "branch it")
	d.copyDir("branches/feature", 1, "trunk")

	cr := testConvert(t, d.String(), branchesWithFeature, "")

	master := refOID(t, cr.repository, "refs/heads/master")
	feature := refOID(t, cr.repository, "refs/heads/feature")
	fc := readCommitData(t, cr.repository, feature)
	assertTrue(t, fc.hasParent)
	assertTrue(t, fc.parent == master)

	// The fork carries the same tree contents, hence the same tree id.
	mc := readCommitData(t, cr.repository, master)
	assertTrue(t, fc.tree == mc.tree)

	// The in-memory branch recorded the fork.
	fb := cr.repository.FindBranchByName("feature", nil)
	if fb == nil || fb.Commit == nil {
		t.Fatal("feature branch lost its commit")
	}
	assertTrue(t, fb.Commit.newBranch)
}

// Branch delete: the emptied branch is memorialized with a deletion
// tag pointing at its final commit.
func TestConvertBranchDelete(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "build trunk")
	d.addFile("trunk/x/a.c", "one\n")
	d.revision(2, "bob", testDate2, "branch it")
	d.copyDir("branches/feature", 1, "trunk")
	d.revision(3, "bob", "2011-04-09T10:00:00.000000Z", "kill it")
	d.deletePath("branches/feature")

	cr := testConvert(t, d.String(), branchesWithFeature, "")

	assertBool(t, hasRef(cr.repository, "refs/heads/feature"), false)
	tagOID := refOID(t, cr.repository, "refs/tags/feature__deleted_r3")
	otype, data, err := cr.repository.store.readObject(tagOID)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, otype, "tag")
	// The tag object names the branch's r2 commit.
	fields := strings.Fields(strings.SplitN(string(data), "\n", 2)[0])
	r2commit, err := parseOID(fields[1])
	if err != nil {
		t.Fatal(err)
	}
	cd := readCommitData(t, cr.repository, r2commit)
	assertTrue(t, strings.Contains(cd.message, "SVN-Revision: 2"))

	fb := cr.repository.FindBranchByName("feature", nil)
	assertTrue(t, fb.Commit == nil)
	assertTrue(t, fb.NextCommit == nil)

	// Master survives untouched.
	assertTrue(t, hasRef(cr.repository, "refs/heads/master"))
}

// Revision-tree eviction: once a reservation is retired, snapshots
// older than the floor of its copied-from revision are dropped; that
// floor and everything newer stay in memory.
func TestConvertRevTreeEviction(t *testing.T) {
	d := newDumpBuilder()
	for rev := 1; rev <= 5; rev++ {
		d.revision(rev, "alice", testDate1, fmt.Sprintf("add f%d", rev))
		d.addFile(fmt.Sprintf("trunk/f%d.c", rev), fmt.Sprintf("body %d\n", rev))
	}
	d.revision(6, "alice", testDate2, "copy from r3")
	d.copyFile("trunk/c6.c", 3, "trunk/f3.c")
	for rev := 7; rev <= 9; rev++ {
		d.revision(rev, "alice", testDate2, fmt.Sprintf("add f%d", rev))
		d.addFile(fmt.Sprintf("trunk/f%d.c", rev), fmt.Sprintf("body %d\n", rev))
	}
	d.revision(10, "alice", testDate2, "copy from r7")
	d.copyFile("trunk/c10.c", 7, "trunk/f7.c")
	d.revision(11, "alice", testDate2, "one more")
	d.addFile("trunk/f11.c", "body 11\n")

	cr := testConvert(t, d.String(), branchesTrunkOnly, "")

	// The (6,3) reservation was retired; (10,7) still pins its floor.
	assertIntEqual(t, cr.copyFrom.Size(), 1)
	minKey, _ := cr.revTrees.Min()
	assertIntEqual(t, minKey.(int), 3)
	for _, key := range cr.revTrees.Keys() {
		assertTrue(t, key.(int) >= 3)
	}

	// The copies really did resolve.
	head := refOID(t, cr.repository, "refs/heads/master")
	commit := readCommitData(t, cr.repository, head)
	c6, ok := lookupEntry(t, cr.repository, commit.tree, "c6.c")
	assertTrue(t, ok)
	f3, ok := lookupEntry(t, cr.repository, commit.tree, "f3.c")
	assertTrue(t, ok)
	assertTrue(t, c6 == f3)
	c10, ok := lookupEntry(t, cr.repository, commit.tree, "c10.c")
	assertTrue(t, ok)
	f7, ok := lookupEntry(t, cr.repository, commit.tree, "f7.c")
	assertTrue(t, ok)
	assertTrue(t, c10 == f7)
}

// Copy-from of an empty directory does nothing and creates no commit.
func TestConvertEmptyDirCopyIsNoop(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "setup")
	d.addFile("trunk/real.c", "r\n")
	d.addDir("trunk/emptydir")
	d.revision(2, "alice", testDate2, "copy nothing")
	d.copyDir("trunk/newdir", 1, "trunk/emptydir")

	cr := testConvert(t, d.String(), branchesTrunkOnly, "")

	head := refOID(t, cr.repository, "refs/heads/master")
	commit := readCommitData(t, cr.repository, head)
	// Only r1's commit exists; r2 made no Git-visible change.
	assertTrue(t, strings.Contains(commit.message, "SVN-Revision: 1"))
	assertBool(t, commit.hasParent, false)
}

// A change without text is a no-op, and deleting a path that never
// carried files is harmless.
func TestConvertQuietRevisions(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "setup")
	d.addFile("trunk/a.c", "x\n")
	d.revision(2, "alice", testDate2, "prop-only change and ghost delete")
	d.changeFile("trunk/a.c", "")
	d.deletePath("trunk/neverexisted")

	cr := testConvert(t, d.String(), branchesTrunkOnly, "")

	head := refOID(t, cr.repository, "refs/heads/master")
	commit := readCommitData(t, cr.repository, head)
	// The ghost delete still opened a commit for r2, but the tree kept
	// its content.
	a, ok := lookupEntry(t, cr.repository, commit.tree, "a.c")
	assertTrue(t, ok)
	assertEqual(t, blobContent(t, cr.repository, a), "x\n")
}

// Converting the same stream twice produces bit-identical identities.
func TestConvertIsDeterministic(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "add")
	d.addFile("trunk/a.c", "x\n")
	d.addFile("trunk/sub/b.c", "y\n")
	d.revision(2, "bob", testDate2, "more")
	d.copyFile("trunk/c.c", 1, "trunk/a.c")
	dumpText := d.String()

	one := testConvert(t, dumpText, branchesTrunkOnly, "")
	two := testConvert(t, dumpText, branchesTrunkOnly, "")

	h1 := refOID(t, one.repository, "refs/heads/master")
	h2 := refOID(t, two.repository, "refs/heads/master")
	assertTrue(t, h1 == h2)
}

func TestPrescanReportsProblems(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{Quiet: true}
	status := newStatus(os.Stderr, opts, "Scanning")
	cr, err := NewConvertRepository(filepath.Join(dir, "repo"), status, opts)
	if err != nil {
		t.Fatal(err)
	}

	apath := filepath.Join(dir, "authors.txt")
	if err := os.WriteFile(apath, []byte("alice\tAlice\talice<>example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cr.authors = NewAuthors(status)
	assertIntEqual(t, cr.authors.Load(apath), 0)

	bpath := filepath.Join(dir, "branches.txt")
	if err := os.WriteFile(bpath, []byte(branchesTrunkOnly), 0644); err != nil {
		t.Fatal(err)
	}
	assertIntEqual(t, LoadBranches(bpath, cr), 0)

	d := newDumpBuilder()
	d.revision(1, "mallory", testDate1, "who?")
	d.addFile("elsewhere/a.c", "x\n")

	dump := openDump(t, d.String())
	problems := 0
	for {
		ok, err := dump.ReadNext(false, true)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		problems += cr.Prescan(dump.CurrNode())
	}
	// Unknown author id plus an unmapped path.
	assertIntEqual(t, problems, 2)
}

func TestPrescanRecordsAndDeduplicatesReservations(t *testing.T) {
	opts := &Options{Quiet: true}
	status := newStatus(os.Stderr, opts, "Scanning")
	cr, err := NewConvertRepository(filepath.Join(t.TempDir(), "repo"), status, opts)
	if err != nil {
		t.Fatal(err)
	}

	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "base")
	d.addFile("trunk/a.c", "x\n")
	d.addFile("trunk/b.c", "y\n")
	d.revision(2, "alice", testDate2, "copies")
	d.copyFile("tags/one/a.c", 1, "trunk/a.c")
	d.copyFile("tags/one/b.c", 1, "trunk/b.c")

	dump := openDump(t, d.String())
	for {
		ok, err := dump.ReadNext(false, true)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		cr.Prescan(dump.CurrNode())
	}
	// Two identical (2,1) reservations collapse into one.
	assertIntEqual(t, cr.copyFrom.Size(), 1)
	v, _ := cr.copyFrom.Get(0)
	p := v.(copyFromPair)
	assertIntEqual(t, p.rev, 2)
	assertIntEqual(t, p.fromRev, 1)
}
