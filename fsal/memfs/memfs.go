// Copyright 2025 The metanfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memfs is an in-memory backend implementing the fsal contract. It
// backs the cache's tests and the sample server; it is deliberately coarse
// about locking (one mutex for the whole tree).
package memfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/metanfs/metanfs/fsal"
	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/net/context"
)

// FS is one in-memory export.
type FS struct {
	clock timeutil.Clock

	mu       sync.Mutex
	nextID   uint64
	root     *node
	byID     map[uint64]*node
	fsid     uint64
	verifier [8]byte

	quotas map[quotaKey]fsal.Quota
}

type quotaKey struct {
	kind fsal.QuotaKind
	id   uint32
}

type node struct {
	id    uint64
	attrs fsal.Attributes

	// Directories.
	children map[string]*node

	// Symlinks.
	target string

	// Regular files.
	data      []byte
	openCount int

	// gone is set once the object has no remaining links; operations on
	// surviving handles fail with Stale.
	gone bool
}

// New creates an empty file system whose root is a directory.
func New(clock timeutil.Clock) *FS {
	fs := &FS{
		clock:  clock,
		nextID: 2,
		byID:   make(map[uint64]*node),
		quotas: make(map[quotaKey]fsal.Quota),
	}

	u := uuid.New()
	fs.fsid = binary.BigEndian.Uint64(u[:8])
	copy(fs.verifier[:], u[8:])

	now := clock.Now()
	fs.root = &node{
		id:       1,
		children: make(map[string]*node),
		attrs: fsal.Attributes{
			Type:   fsal.Directory,
			Mode:   0755 | os.ModeDir,
			Nlink:  2,
			FileID: 1,
			Atime:  now,
			Mtime:  now,
			Ctime:  now,
			Change: 1,
		},
	}
	fs.byID[1] = fs.root

	return fs
}

func keyFor(fsid, id uint64) fsal.ObjectKey {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], fsid)
	binary.BigEndian.PutUint64(k[8:], id)
	return k
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) newNode(typ fsal.FileType, mode os.FileMode) *node {
	id := fs.nextID
	fs.nextID++

	now := fs.clock.Now()
	n := &node{
		id: id,
		attrs: fsal.Attributes{
			Type:   typ,
			Mode:   mode,
			Nlink:  1,
			FileID: id,
			Atime:  now,
			Mtime:  now,
			Ctime:  now,
			Change: 1,
		},
	}

	if typ == fsal.Directory {
		n.children = make(map[string]*node)
		n.attrs.Nlink = 2
	}

	fs.byID[id] = n

	return n
}

// LOCKS_REQUIRED(fs.mu)
func (n *node) bump(clock timeutil.Clock) {
	n.attrs.Change++
	n.attrs.Ctime = clock.Now()
}

////////////////////////////////////////////////////////////////////////
// Export surface
////////////////////////////////////////////////////////////////////////

var _ fsal.Export = &FS{}

func (fs *FS) Root() (fsal.ObjectHandle, error) {
	return &handle{fs: fs, n: fs.root}, nil
}

func (fs *FS) LookupKey(ctx context.Context, key fsal.ObjectKey) (fsal.ObjectHandle, error) {
	if len(key) != 16 {
		return nil, fsal.NewError(fsal.Inval)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if binary.BigEndian.Uint64(key[:8]) != fs.fsid {
		return nil, fsal.NewError(fsal.Stale)
	}

	n := fs.byID[binary.BigEndian.Uint64(key[8:])]
	if n == nil || n.gone {
		return nil, fsal.NewError(fsal.Stale)
	}

	return &handle{fs: fs, n: n}, nil
}

func (fs *FS) Limits() fsal.ExportLimits {
	return fsal.ExportLimits{
		MaxRead:     1 << 20,
		MaxWrite:    1 << 20,
		MaxFilesize: 1 << 40,
		MaxLink:     255,
		MaxNameLen:  255,
		MaxPathLen:  4096,
		LeaseTime:   90 * time.Second,
		Umask:       022,
	}
}

func (fs *FS) WriteVerifier() [8]byte {
	return fs.verifier
}

func (fs *FS) GetQuota(ctx context.Context, kind fsal.QuotaKind, id uint32) (fsal.Quota, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	q, ok := fs.quotas[quotaKey{kind, id}]
	if !ok {
		return fsal.Quota{Kind: kind, ID: id}, nil
	}

	return q, nil
}

func (fs *FS) SetQuota(ctx context.Context, q fsal.Quota) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.quotas[quotaKey{q.Kind, q.ID}] = q

	return nil
}

func (fs *FS) CheckQuota(ctx context.Context, kind fsal.QuotaKind, id uint32, want uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	q, ok := fs.quotas[quotaKey{kind, id}]
	if !ok || q.HardLimit == 0 {
		return nil
	}

	if q.Usage+want > q.HardLimit {
		return fsal.NewError(fsal.Inval)
	}

	return nil
}

func (fs *FS) DeviceList(ctx context.Context) ([]fsal.DeviceInfo, error) {
	return nil, nil
}

////////////////////////////////////////////////////////////////////////
// Object handles
////////////////////////////////////////////////////////////////////////

type handle struct {
	fs       *FS
	n        *node
	released bool
}

var _ fsal.ObjectHandle = &handle{}

// wireHandle is the XDR layout of a digested handle.
type wireHandle struct {
	Fsid uint64
	ID   uint64
}

func (h *handle) Key() fsal.ObjectKey {
	return keyFor(h.fs.fsid, h.n.id)
}

func (h *handle) Type() fsal.FileType {
	return h.n.attrs.Type
}

func (h *handle) Release() {
	if h.released {
		panic("memfs: handle released twice")
	}
	h.released = true
}

func (h *handle) HandleDigest() ([]byte, error) {
	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, wireHandle{Fsid: h.fs.fsid, ID: h.n.id})
	if err != nil {
		return nil, fmt.Errorf("xdr marshal: %v", err)
	}

	return buf.Bytes(), nil
}

// DecodeHandle is the inverse of HandleDigest, for hosts that need to map
// wire handles back to keys.
func DecodeHandle(digest []byte) (fsal.ObjectKey, error) {
	var wh wireHandle
	if _, err := xdr.Unmarshal(bytes.NewReader(digest), &wh); err != nil {
		return nil, fmt.Errorf("xdr unmarshal: %v", err)
	}

	return keyFor(wh.Fsid, wh.ID), nil
}

// stale reports whether the node is dead.
//
// LOCKS_REQUIRED(h.fs.mu)
func (h *handle) stale() bool {
	return h.n.gone
}

func (h *handle) Getattr(ctx context.Context) (fsal.Attributes, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return fsal.Attributes{}, fsal.NewError(fsal.Stale)
	}

	return h.n.attrs, nil
}

func (h *handle) Setattr(ctx context.Context, req *fsal.SetAttrRequest) (fsal.Attributes, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return fsal.Attributes{}, fsal.NewError(fsal.Stale)
	}

	a := &h.n.attrs
	if req.Mask&fsal.SetMode != 0 {
		a.Mode = req.Mode
	}
	if req.Mask&fsal.SetUid != 0 {
		a.Uid = req.Uid
	}
	if req.Mask&fsal.SetGid != 0 {
		a.Gid = req.Gid
	}
	if req.Mask&fsal.SetSize != 0 {
		if h.n.attrs.Type != fsal.RegularFile {
			return fsal.Attributes{}, fsal.NewError(fsal.IsDir)
		}
		if req.Size < uint64(len(h.n.data)) {
			h.n.data = h.n.data[:req.Size]
		} else {
			h.n.data = append(h.n.data, make([]byte, req.Size-uint64(len(h.n.data)))...)
		}
		a.Size = req.Size
	}
	if req.Mask&fsal.SetAtime != 0 {
		a.Atime = req.Atime
	}
	if req.Mask&fsal.SetMtime != 0 {
		a.Mtime = req.Mtime
	}

	h.n.bump(h.fs.clock)

	return h.n.attrs, nil
}

func (h *handle) Lookup(ctx context.Context, name string) (fsal.ObjectHandle, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return nil, fsal.NewError(fsal.Stale)
	}
	if h.n.children == nil {
		return nil, fsal.NewError(fsal.NotDir)
	}

	child, ok := h.n.children[name]
	if !ok {
		return nil, fsal.NewError(fsal.NoEnt)
	}

	return &handle{fs: h.fs, n: child}, nil
}

func (h *handle) Readdir(ctx context.Context, cookie uint64, cb fsal.ReaddirCallback) (bool, error) {
	h.fs.mu.Lock()

	if h.stale() {
		h.fs.mu.Unlock()
		return false, fsal.NewError(fsal.Stale)
	}
	if h.n.children == nil {
		h.fs.mu.Unlock()
		return false, fsal.NewError(fsal.NotDir)
	}

	names := make([]string, 0, len(h.n.children))
	for name := range h.n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	type ent struct {
		e fsal.DirEntry
	}
	var out []ent
	for i, name := range names {
		pos := uint64(i + 1)
		if pos <= cookie {
			continue
		}
		child := h.n.children[name]
		out = append(out, ent{fsal.DirEntry{
			Name:   name,
			Key:    keyFor(h.fs.fsid, child.id),
			Type:   child.attrs.Type,
			Cookie: pos,
		}})
	}
	h.fs.mu.Unlock()

	for _, e := range out {
		if !cb(e.e) {
			return false, nil
		}
	}

	return true, nil
}

func (h *handle) Create(ctx context.Context, name string, mode uint32) (fsal.ObjectHandle, fsal.Attributes, error) {
	return h.makeChild(name, fsal.RegularFile, os.FileMode(mode), "")
}

func (h *handle) Mkdir(ctx context.Context, name string, mode uint32) (fsal.ObjectHandle, fsal.Attributes, error) {
	return h.makeChild(name, fsal.Directory, os.FileMode(mode)|os.ModeDir, "")
}

func (h *handle) Symlink(ctx context.Context, name string, target string) (fsal.ObjectHandle, fsal.Attributes, error) {
	return h.makeChild(name, fsal.Symlink, 0777|os.ModeSymlink, target)
}

func (h *handle) makeChild(name string, typ fsal.FileType, mode os.FileMode, target string) (fsal.ObjectHandle, fsal.Attributes, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return nil, fsal.Attributes{}, fsal.NewError(fsal.Stale)
	}
	if h.n.children == nil {
		return nil, fsal.Attributes{}, fsal.NewError(fsal.NotDir)
	}
	if _, ok := h.n.children[name]; ok {
		return nil, fsal.Attributes{}, fsal.NewError(fsal.Exist)
	}

	child := h.fs.newNode(typ, mode)
	child.target = target
	h.n.children[name] = child
	if typ == fsal.Directory {
		h.n.attrs.Nlink++
	}
	h.n.attrs.Mtime = h.fs.clock.Now()
	h.n.bump(h.fs.clock)

	return &handle{fs: h.fs, n: child}, child.attrs, nil
}

func (h *handle) Readlink(ctx context.Context) (string, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return "", fsal.NewError(fsal.Stale)
	}
	if h.n.attrs.Type != fsal.Symlink {
		return "", fsal.NewError(fsal.Inval)
	}

	return h.n.target, nil
}

func (h *handle) Link(ctx context.Context, dir fsal.ObjectHandle, name string) error {
	d, ok := dir.(*handle)
	if !ok {
		return fsal.NewError(fsal.Inval)
	}

	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() || d.stale() {
		return fsal.NewError(fsal.Stale)
	}
	if d.n.children == nil {
		return fsal.NewError(fsal.NotDir)
	}
	if h.n.attrs.Type == fsal.Directory {
		return fsal.NewError(fsal.IsDir)
	}
	if _, ok := d.n.children[name]; ok {
		return fsal.NewError(fsal.Exist)
	}

	d.n.children[name] = h.n
	h.n.attrs.Nlink++
	h.n.bump(h.fs.clock)
	d.n.bump(h.fs.clock)

	return nil
}

func (h *handle) Unlink(ctx context.Context, name string) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return fsal.NewError(fsal.Stale)
	}
	if h.n.children == nil {
		return fsal.NewError(fsal.NotDir)
	}

	child, ok := h.n.children[name]
	if !ok {
		return fsal.NewError(fsal.NoEnt)
	}

	if child.children != nil && len(child.children) > 0 {
		return fsal.NewError(fsal.NotEmpty)
	}

	delete(h.n.children, name)
	if child.attrs.Type == fsal.Directory {
		h.n.attrs.Nlink--
		child.gone = true
		delete(h.fs.byID, child.id)
	} else {
		child.attrs.Nlink--
		if child.attrs.Nlink == 0 {
			child.gone = true
			delete(h.fs.byID, child.id)
		}
	}
	child.bump(h.fs.clock)
	h.n.attrs.Mtime = h.fs.clock.Now()
	h.n.bump(h.fs.clock)

	return nil
}

func (h *handle) Rename(ctx context.Context, name string, newDir fsal.ObjectHandle, newName string) error {
	d, ok := newDir.(*handle)
	if !ok {
		return fsal.NewError(fsal.Inval)
	}

	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() || d.stale() {
		return fsal.NewError(fsal.Stale)
	}
	if h.n.children == nil || d.n.children == nil {
		return fsal.NewError(fsal.NotDir)
	}

	child, ok := h.n.children[name]
	if !ok {
		return fsal.NewError(fsal.NoEnt)
	}

	if victim, ok := d.n.children[newName]; ok {
		if victim.children != nil && len(victim.children) > 0 {
			return fsal.NewError(fsal.NotEmpty)
		}
		victim.attrs.Nlink--
		if victim.attrs.Nlink == 0 || victim.attrs.Type == fsal.Directory {
			victim.gone = true
			delete(h.fs.byID, victim.id)
		}
	}

	delete(h.n.children, name)
	d.n.children[newName] = child

	if child.attrs.Type == fsal.Directory && h.n != d.n {
		h.n.attrs.Nlink--
		d.n.attrs.Nlink++
	}

	child.bump(h.fs.clock)
	h.n.bump(h.fs.clock)
	if h.n != d.n {
		d.n.bump(h.fs.clock)
	}

	return nil
}

func (h *handle) Open(ctx context.Context, flags int) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return fsal.NewError(fsal.Stale)
	}
	if h.n.attrs.Type != fsal.RegularFile {
		return fsal.NewError(fsal.IsDir)
	}

	h.n.openCount++

	return nil
}

func (h *handle) Close(ctx context.Context) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.n.openCount > 0 {
		h.n.openCount--
	}

	return nil
}

func (h *handle) Read(ctx context.Context, p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return 0, fsal.NewError(fsal.Stale)
	}

	if off >= int64(len(h.n.data)) {
		return 0, nil
	}

	n := copy(p, h.n.data[off:])

	return n, nil
}

func (h *handle) Write(ctx context.Context, p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.stale() {
		return 0, fsal.NewError(fsal.Stale)
	}

	end := off + int64(len(p))
	if end > int64(len(h.n.data)) {
		h.n.data = append(h.n.data, make([]byte, end-int64(len(h.n.data)))...)
	}
	copy(h.n.data[off:], p)

	h.n.attrs.Size = uint64(len(h.n.data))
	h.n.attrs.Mtime = h.fs.clock.Now()
	h.n.bump(h.fs.clock)

	return len(p), nil
}

func (h *handle) Commit(ctx context.Context, off int64, length int64) error {
	return nil
}
