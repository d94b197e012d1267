// Package artifact normalises a filesystem entity — a single file or a
// directory — into an identity with a size/mtime signature and a
// vendor-specific notion of when it has stopped being written to.
//
// An Artifact never interprets vendor-proprietary binary content; it only
// asks the filesystem "has this stopped changing, and does it look
// structurally closed for this vendor."
package artifact

import (
	"time"
)

// Vendor is the closed set of instrument vendors the agent understands.
// It is a tagged variant, not a string compared ad hoc: every vendor-specific
// decision is a switch over this type, never a runtime registry.
type Vendor int

const (
	Thermo Vendor = iota
	Bruker
	Sciex
	Waters
	Agilent
)

func (v Vendor) String() string {
	switch v {
	case Thermo:
		return "thermo"
	case Bruker:
		return "bruker"
	case Sciex:
		return "sciex"
	case Waters:
		return "waters"
	case Agilent:
		return "agilent"
	default:
		return "unknown"
	}
}

// ParseVendor maps a configuration string to a Vendor. The empty result's
// ok is false for anything unrecognised — callers must not silently default.
func ParseVendor(s string) (v Vendor, ok bool) {
	switch s {
	case "thermo":
		return Thermo, true
	case "bruker":
		return Bruker, true
	case "sciex":
		return Sciex, true
	case "waters":
		return Waters, true
	case "agilent":
		return Agilent, true
	default:
		return 0, false
	}
}

// Kind is the structural shape of the artifact on disk.
type Kind int

const (
	File Kind = iota
	Directory
)

// Signature is the (size, mtime) tuple the Finalization State Machine
// compares across ticks to decide whether an artifact is still being
// written. For a directory-kind artifact it is the sum of file sizes plus
// the maximum mtime across the tree.
type Signature struct {
	Size  int64
	MTime time.Time
}

// Equal reports whether two signatures represent the same observed state.
func (s Signature) Equal(o Signature) bool {
	return s.Size == o.Size && s.MTime.Equal(o.MTime)
}

// Artifact is the unit of work flowing through the pipeline. Identity is
// Path: two Artifacts with the same Path are the same artifact regardless
// of any other field.
type Artifact struct {
	// Path is the canonical absolute path, compared byte-for-byte. It is
	// the artifact's identity.
	Path string

	Vendor Vendor
	Kind   Kind

	// InstrumentID identifies which configured watch the artifact came
	// from (used to locate the matching extractor/template config).
	InstrumentID string

	Discovered time.Time
	Signature  Signature
}
