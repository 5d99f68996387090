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

// Package fsal defines the contract between the metadata cache and any
// concrete file system backend (a "sub-FSAL"), and the surface the cache in
// turn presents upward to the protocol engine.
//
// Backends are modeled as capability records: an Export owns the export-wide
// operations, and each ObjectHandle owns the per-object ones. The cache's own
// export wraps a sub-export, so stacking is plain composition rather than an
// inheritance hierarchy.
package fsal

import (
	"golang.org/x/net/context"
)

// Export is the export-level capability record of a backend.
//
// Methods must be safe for concurrent use. Export-level queries return
// static data and never block.
type Export interface {
	// Root returns a handle for the export's root directory.
	Root() (ObjectHandle, error)

	// LookupKey materializes a handle from an object key previously returned
	// by a handle on this export. Returns Stale if the object no longer
	// exists.
	LookupKey(ctx context.Context, key ObjectKey) (ObjectHandle, error)

	// Limits returns the export's static limits and capabilities.
	Limits() ExportLimits

	// WriteVerifier returns the verifier cookie clients use to detect a
	// server restart between unstable writes and commit.
	WriteVerifier() [8]byte

	// GetQuota, SetQuota and CheckQuota manage per-principal quotas. Backends
	// without quota support return Inval.
	GetQuota(ctx context.Context, kind QuotaKind, id uint32) (Quota, error)
	SetQuota(ctx context.Context, q Quota) error
	CheckQuota(ctx context.Context, kind QuotaKind, id uint32, want uint64) error

	// DeviceList enumerates layout devices for pNFS-style access. Backends
	// without layout support return an empty list.
	DeviceList(ctx context.Context) ([]DeviceInfo, error)
}

// ObjectHandle is the per-object capability record of a backend. A handle
// remains valid until Release is called, even if the underlying object is
// unlinked (operations then return Stale).
type ObjectHandle interface {
	// Key returns the object's export-independent identity.
	//
	// Does not block.
	Key() ObjectKey

	// Type returns the object's file type.
	//
	// Does not block.
	Type() FileType

	Getattr(ctx context.Context) (Attributes, error)
	Setattr(ctx context.Context, req *SetAttrRequest) (Attributes, error)

	// Lookup resolves a child name within a directory.
	Lookup(ctx context.Context, name string) (ObjectHandle, error)

	// Readdir enumerates children starting just past the supplied cookie
	// (zero for the beginning), invoking cb for each until the callback
	// declines more or the directory is exhausted. Returns eof true iff the
	// enumeration reached the end.
	Readdir(ctx context.Context, cookie uint64, cb ReaddirCallback) (eof bool, err error)

	Create(ctx context.Context, name string, mode uint32) (ObjectHandle, Attributes, error)
	Mkdir(ctx context.Context, name string, mode uint32) (ObjectHandle, Attributes, error)
	Symlink(ctx context.Context, name string, target string) (ObjectHandle, Attributes, error)
	Readlink(ctx context.Context) (string, error)
	Link(ctx context.Context, dir ObjectHandle, name string) error
	Unlink(ctx context.Context, name string) error

	// Rename moves name within this directory to newName within newDir,
	// which belongs to the same export.
	Rename(ctx context.Context, name string, newDir ObjectHandle, newName string) error

	Open(ctx context.Context, flags int) error
	Read(ctx context.Context, p []byte, off int64) (int, error)
	Write(ctx context.Context, p []byte, off int64) (int, error)
	Commit(ctx context.Context, off int64, length int64) error
	Close(ctx context.Context) error

	// HandleDigest returns the object's wire handle. The format belongs to
	// the backend; the cache treats it as opaque and forwards it unchanged.
	HandleDigest() ([]byte, error)

	// Release declares the handle dead. No method may be called afterwards.
	Release()
}

// InvalidateKind selects what an invalidate upcall targets.
type InvalidateKind int

const (
	InvalidateAttrs InvalidateKind = iota
	InvalidateContent
	InvalidateDirent
)

// DelegationType is the flavor of a granted delegation.
type DelegationType int

const (
	DelegationRead DelegationType = iota
	DelegationWrite
)

// UpcallVector is the set of notifications a backend may deliver to the
// layer above it. Implementations must return quickly; anything expensive is
// offloaded. Backends may call from arbitrary goroutines.
type UpcallVector interface {
	// Invalidate marks cached state for the keyed object stale. For
	// InvalidateDirent the name selects one dirent of the keyed directory; an
	// empty name invalidates the whole directory.
	Invalidate(key ObjectKey, what InvalidateKind, name string) error

	// Rename reports that the backend moved a name between directories.
	Rename(oldParent ObjectKey, oldName string, newParent ObjectKey, newName string) error

	// DelegationRecall asks the layer above to return a delegation.
	DelegationRecall(key ObjectKey) error

	// DelegationGrant reports a granted delegation.
	DelegationGrant(key ObjectKey, typ DelegationType) error
}
