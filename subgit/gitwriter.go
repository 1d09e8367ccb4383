// Loose-object Git writer.
//
// Objects are stored in canonical Git form: "<type> <size>\x00" header
// prepended to the payload, SHA-1 over the whole, zlib-deflated into
// .git/objects/xx/yyyy....  Refs are plain files under .git/refs.  The
// store never rewrites an object that already exists on disk, which is
// what makes repeated tree writes after a successful first one no-ops.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	zlib "github.com/klauspost/compress/zlib"
)

// OID is a 20-byte SHA-1 object identity.  The zero value means "not
// yet written".
type OID [20]byte

var zeroOID OID

func (o OID) IsZero() bool {
	return o == zeroOID
}

func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

func parseOID(s string) (OID, error) {
	var o OID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 20 {
		return o, fmt.Errorf("%w: bad object id %q", errWriter, s)
	}
	copy(o[:], raw)
	return o, nil
}

// Signature is an author or committer identity with its timestamp.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d +0000", s.Name, s.Email, s.When.Unix())
}

// objectStore writes loose objects and refs beneath one .git directory.
type objectStore struct {
	gitdir string
	status *Status
}

const (
	modeBlob     = 0100644
	modeBlobExec = 0100755
	modeTree     = 0040000
)

// initObjectStore lays out a fresh bare-minimum repository at dir when
// none exists, the way `git init` would, and returns a store rooted at
// its .git directory.
func initObjectStore(dir string, status *Status) (*objectStore, error) {
	gitdir := filepath.Join(dir, ".git")
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s exists but is not a directory", errWriter, dir)
	}
	for _, sub := range []string{
		"objects/info", "objects/pack", "refs/heads", "refs/tags",
	} {
		if err := os.MkdirAll(filepath.Join(gitdir, sub), 0755); err != nil {
			return nil, fmt.Errorf("%w: %v", errWriter, err)
		}
	}
	head := filepath.Join(gitdir, "HEAD")
	if _, err := os.Stat(head); os.IsNotExist(err) {
		if err := os.WriteFile(head, []byte("ref: refs/heads/master\n"), 0644); err != nil {
			return nil, fmt.Errorf("%w: %v", errWriter, err)
		}
	}
	config := filepath.Join(gitdir, "config")
	if _, err := os.Stat(config); os.IsNotExist(err) {
		content := "[core]\n\trepositoryformatversion = 0\n\tbare = false\n"
		if err := os.WriteFile(config, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("%w: %v", errWriter, err)
		}
	}
	return &objectStore{gitdir: gitdir, status: status}, nil
}

func hashObject(otype string, data []byte) OID {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", otype, len(data))
	h.Write(data)
	var o OID
	copy(o[:], h.Sum(nil))
	return o
}

func (st *objectStore) objectPath(oid OID) string {
	hexid := oid.String()
	return filepath.Join(st.gitdir, "objects", hexid[:2], hexid[2:])
}

// writeObject stores one loose object, returning its identity.  An
// object already present on disk is left alone.
func (st *objectStore) writeObject(otype string, data []byte) (OID, error) {
	oid := hashObject(otype, data)
	path := st.objectPath(oid)
	if _, err := os.Stat(path); err == nil {
		return oid, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	fmt.Fprintf(zw, "%s %d\x00", otype, len(data))
	if _, err := zw.Write(data); err != nil {
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	if err := zw.Close(); err != nil {
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0444); err != nil {
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	return oid, nil
}

// readObject inflates a loose object back into (type, payload).
func (st *objectStore) readObject(oid OID) (string, []byte, error) {
	f, err := os.Open(st.objectPath(oid))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errWriter, err)
	}
	defer f.Close()
	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errWriter, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errWriter, err)
	}
	sep := bytes.IndexByte(raw, 0)
	if sep < 0 {
		return "", nil, fmt.Errorf("%w: object %s lacks a header", errWriter, oid)
	}
	header := string(raw[:sep])
	space := strings.IndexByte(header, ' ')
	if space < 0 {
		return "", nil, fmt.Errorf("%w: object %s header %q", errWriter, oid, header)
	}
	return header[:space], raw[sep+1:], nil
}

// treeEntry is one (mode, name, oid) triple in a serialized tree.
type treeEntry struct {
	mode int
	name string
	oid  OID
}

// sortTreeEntries orders entries the way Git requires: byte-wise by
// name, with tree names compared as if a '/' were appended.
func sortTreeEntries(entries []treeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e treeEntry) string {
	if e.mode == modeTree {
		return e.name + "/"
	}
	return e.name
}

func (st *objectStore) writeTreeObject(entries []treeEntry) (OID, error) {
	sortTreeEntries(entries)
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%o %s\x00", e.mode, e.name)
		buf.Write(e.oid[:])
	}
	return st.writeObject("tree", buf.Bytes())
}

func (st *objectStore) writeCommitObject(tree OID, parent OID, author Signature,
	message string) (OID, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	if !parent.IsZero() {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	fmt.Fprintf(&buf, "author %s\n", author)
	fmt.Fprintf(&buf, "committer %s\n", author)
	buf.WriteByte('\n')
	buf.WriteString(message)
	if !strings.HasSuffix(message, "\n") {
		buf.WriteByte('\n')
	}
	return st.writeObject("commit", buf.Bytes())
}

func (st *objectStore) writeTagObject(commit OID, name string,
	tagger Signature) (OID, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", commit)
	fmt.Fprintf(&buf, "type commit\n")
	fmt.Fprintf(&buf, "tag %s\n", name)
	fmt.Fprintf(&buf, "tagger %s\n", tagger)
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "%s\n", name)
	return st.writeObject("tag", buf.Bytes())
}

// createFile writes a file below the .git directory, creating parents
// as needed.  Refs are just files whose content is a hex object id.
func (st *objectStore) createFile(relpath, content string) error {
	path := filepath.Join(st.gitdir, filepath.FromSlash(relpath))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %v", errWriter, err)
	}
	if fi, err := os.Stat(path); err == nil && !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s exists but is not a regular file", errWriter, path)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("%w: %v", errWriter, err)
	}
	return nil
}

func (st *objectStore) readRef(relpath string) (OID, error) {
	raw, err := os.ReadFile(filepath.Join(st.gitdir, filepath.FromSlash(relpath)))
	if err != nil {
		return zeroOID, fmt.Errorf("%w: %v", errWriter, err)
	}
	return parseOID(string(raw))
}

// garbageCollect shells out to git for object-store maintenance; the
// loose objects written so far are what it packs.
func (st *objectStore) garbageCollect() error {
	cmd := []string{"git", "--git-dir=" + st.gitdir, "gc", "--auto", "--quiet"}
	if st.status != nil {
		st.status.Debug("running %s", shellquote.Join(cmd...))
	}
	out, err := exec.Command(cmd[0], cmd[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s",
			errWriter, shellquote.Join(cmd...), err, bytes.TrimSpace(out))
	}
	return nil
}
