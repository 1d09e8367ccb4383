package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestConverter(t *testing.T) *ConvertRepository {
	t.Helper()
	opts := &Options{Quiet: true}
	status := newStatus(os.Stderr, opts, "Scanning")
	cr, err := NewConvertRepository(filepath.Join(t.TempDir(), "repo"), status, opts)
	if err != nil {
		t.Fatal(err)
	}
	return cr
}

func TestLoadBranchesTable(t *testing.T) {
	table := "branch\t10\t2011-04-07\t5\ttrunk\tmaster\n" +
		"t\t12\t2011-04-08\t1\ttags/v1.0\tv1.0\n" +
		"# a comment line\n" +
		"branch\t15\t2011-04-09\t3\tbranches/feature\tfeature\n"
	cr := newTestConverter(t)
	assertIntEqual(t, LoadBranches(writeTable(t, "branches.txt", table), cr), 0)

	master := cr.repository.FindBranchByName("master", nil)
	if master == nil {
		t.Fatal("master not registered")
	}
	assertEqual(t, master.Prefix, "trunk")
	assertBool(t, master.IsTag, false)

	v1 := cr.repository.FindBranchByName("v1.0", nil)
	if v1 == nil {
		t.Fatal("tag not registered")
	}
	assertTrue(t, v1.IsTag)

	assertTrue(t, cr.repository.FindBranchByPath("trunk/a.c") == master)
	assertTrue(t, cr.repository.FindBranchByPath("tags/v1.0/a.c") == v1)
}

func TestLoadBranchesConflicts(t *testing.T) {
	table := "branch\t1\t2011-04-07\t2\ttrunk\tmaster\n" +
		"branch\t1\t2011-04-07\t2\ttrunk\tother\n" + // repeated prefix
		"branch\t1\t2011-04-07\t2\tproj/trunk\tmaster\n" + // repeated name
		"branch\t1\t2011-04-07\t2\ttrunk/sub\tsub\n" // ancestor conflict
	cr := newTestConverter(t)
	assertIntEqual(t, LoadBranches(writeTable(t, "branches.txt", table), cr), 3)
}

func TestFindBranchesScanner(t *testing.T) {
	d := newDumpBuilder()
	d.revision(1, "alice", testDate1, "one")
	d.addFile("trunk/a.c", "x\n")
	d.revision(2, "alice", testDate2, "two")
	d.addFile("trunk/b.c", "y\n")
	d.revision(3, "bob", testDate2, "tag it")
	d.copyDir("tags/v1.0", 2, "trunk")

	dump := openDump(t, d.String())
	finder := NewFindBranches(newTestStatus())
	for {
		ok, err := dump.ReadNext(true, false)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		finder.Examine(dump.CurrNode())
	}
	var out bytes.Buffer
	finder.Report(&out)

	expected := "tag\t3\t2011-04-08\t1\ttags/v1.0\ttags/v1.0\n" +
		"branch\t2\t2011-04-08\t2\ttrunk\ttrunk\n"
	assertEqual(t, out.String(), expected)
}
