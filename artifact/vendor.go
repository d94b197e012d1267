package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Complete decides whether a has stopped being written to, per its vendor's
// completeness rule. It is checked during the Stabilizing → Ready
// transition, in addition to (not instead of) the signature-unchanged
// check the Finalization State Machine performs itself.
func Complete(a Artifact) (bool, error) {
	switch a.Vendor {
	case Thermo:
		return completeThermo(a)
	case Bruker:
		return completeBruker(a)
	case Sciex:
		return completeSciex(a)
	case Waters:
		return completeWaters(a)
	case Agilent:
		return completeAgilent(a)
	default:
		// An unrecognised vendor has no completeness rule beyond the
		// shared signature-stability check; treat it as always
		// structurally complete.
		return true, nil
	}
}

// completeThermo: a non-sharing read open succeeding is both the
// completeness check and the transition to Processing (see finalize).
// Here it only probes; finalize performs the real hand-off open.
func completeThermo(a Artifact) (bool, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return false, nil
	}
	f.Close()
	return true, nil
}

func completeBruker(a Artifact) (bool, error) {
	if _, err := os.Stat(filepath.Join(a.Path, "analysis.tdf")); err != nil {
		return false, nil
	}
	entries, err := os.ReadDir(a.Path)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.EqualFold(name, "analysis.tdf-journal") || strings.EqualFold(name, "analysis.tdf-lock") {
			return false, nil
		}
	}
	return true, nil
}

func completeSciex(a Artifact) (bool, error) {
	scan := a.Path + ".scan"
	if !strings.HasSuffix(strings.ToLower(a.Path), ".wiff") {
		// Not the primary member of the pair; nothing to do here.
		return true, nil
	}
	if _, err := os.Stat(a.Path); err != nil {
		return false, nil
	}
	if _, err := os.Stat(scan); err != nil {
		return false, nil
	}
	// Both members stable is established by the caller comparing
	// signatures across ticks for the pair; here we only assert presence.
	return true, nil
}

func completeWaters(a Artifact) (bool, error) {
	if _, err := os.Stat(filepath.Join(a.Path, "_FUNC001.DAT")); err != nil {
		return false, nil
	}
	entries, err := os.ReadDir(a.Path)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), "_LOCK_") {
			return false, nil
		}
	}
	return true, nil
}

func completeAgilent(a Artifact) (bool, error) {
	acqData := filepath.Join(a.Path, "AcqData")
	entries, err := os.ReadDir(acqData)
	if err != nil {
		return false, nil
	}
	return len(entries) > 0, nil
}

// ComputeSignature derives the current (size, mtime) signature for a.
// File-kind artifacts use their own stat (a sciex .wiff also folds in its
// .wiff.scan sidecar, so the pair is stable only when both are);
// directory-kind artifacts sum file sizes and take the maximum mtime across
// the tree (one level deep, two for waters, per spec).
func ComputeSignature(a Artifact) (Signature, error) {
	switch a.Kind {
	case File:
		sig, err := fileSignature(a.Path)
		if err != nil || a.Vendor != Sciex {
			return sig, err
		}
		if scan, serr := fileSignature(a.Path + ".scan"); serr == nil {
			sig.Size += scan.Size
			if scan.MTime.After(sig.MTime) {
				sig.MTime = scan.MTime
			}
		}
		return sig, nil
	case Directory:
		depth := 1
		if a.Vendor == Waters {
			depth = 2
		}
		return dirSignature(a.Path, depth)
	default:
		return fileSignature(a.Path)
	}
}

func fileSignature(path string) (Signature, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Size: fi.Size(), MTime: fi.ModTime()}, nil
}

func dirSignature(root string, depth int) (Signature, error) {
	var total int64
	var maxMTime time.Time

	var walk func(dir string, remaining int) error
	walk = func(dir string, remaining int) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if remaining > 0 {
					if err := walk(full, remaining-1); err != nil {
						return err
					}
				}
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			total += fi.Size()
			if fi.ModTime().After(maxMTime) {
				maxMTime = fi.ModTime()
			}
		}
		return nil
	}

	if err := walk(root, depth); err != nil {
		return Signature{}, err
	}
	return Signature{Size: total, MTime: maxMTime}, nil
}
