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

package fsal

import (
	"os"
	"time"
)

// ObjectKey is the export-independent identity of a backend object, opaque
// to everything above the backend that minted it. Two handles refer to the
// same object iff their keys are byte-equal.
type ObjectKey []byte

// String returns the key bytes as a string suitable for use as a map key.
// The result is not printable.
func (k ObjectKey) String() string {
	return string(k)
}

// Equal reports whether two keys identify the same object.
func (k ObjectKey) Equal(other ObjectKey) bool {
	return string(k) == string(other)
}

// FileType is the type of a file system object.
type FileType int

const (
	RegularFile FileType = iota
	Directory
	Symlink
	Fifo
	Socket
	BlockDevice
	CharDevice
)

func (t FileType) String() string {
	switch t {
	case RegularFile:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Fifo:
		return "fifo"
	case Socket:
		return "socket"
	case BlockDevice:
		return "block"
	case CharDevice:
		return "char"
	}

	return "unknown"
}

// Attributes is the metadata the cache holds for an object.
type Attributes struct {
	Type   FileType
	Mode   os.FileMode
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Size   uint64
	FileID uint64

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// Change is the backend's change attribute: any mutation of the object
	// yields a strictly greater value.
	Change uint64
}

// SetAttrMask selects which fields of a SetAttrRequest are to be applied.
type SetAttrMask uint32

const (
	SetMode SetAttrMask = 1 << iota
	SetUid
	SetGid
	SetSize
	SetAtime
	SetMtime
)

// SetAttrRequest describes a partial attribute update.
type SetAttrRequest struct {
	Mask  SetAttrMask
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// DirEntry is one entry yielded by a Readdir enumeration.
type DirEntry struct {
	Name string
	Key  ObjectKey
	Type FileType

	// Cookie is the backend's position just past this entry; feeding it back
	// into Readdir resumes enumeration immediately after the entry.
	Cookie uint64
}

// ReaddirCallback consumes one entry per call. Returning false stops the
// enumeration early without error.
type ReaddirCallback func(e DirEntry) (more bool)

// QuotaKind selects which quota a quota operation addresses.
type QuotaKind int

const (
	QuotaBlocks QuotaKind = iota
	QuotaFiles
)

// Quota is a usage/limit pair for one principal.
type Quota struct {
	Kind      QuotaKind
	ID        uint32
	Usage     uint64
	SoftLimit uint64
	HardLimit uint64
}

// DeviceInfo describes one layout device advertised by an export.
type DeviceInfo struct {
	ID   uint64
	Addr string
}

// ExportLimits carries the static per-export limits and capabilities the
// protocol engine queries. The cache forwards these unchanged from its
// sub-export.
type ExportLimits struct {
	MaxRead     uint64
	MaxWrite    uint64
	MaxFilesize uint64
	MaxLink     uint32
	MaxNameLen  uint32
	MaxPathLen  uint32

	LeaseTime       time.Duration
	SupportsACL     bool
	SupportedAttrs  uint64
	Umask           os.FileMode
	XattrAccess     uint32
	LayoutTypes     []int32
	LayoutBlockSize uint32
	LayoutSegments  uint32
	LocBodySize     uint32
}
