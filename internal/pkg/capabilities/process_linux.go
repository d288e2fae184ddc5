// Package capabilities wraps the raw capability syscalls used by the
// prisoner's privilege-reduction transition, grounded on apptainer's
// pkg/util/capabilities/process_linux.go (Capget/Capset via
// golang.org/x/sys/unix, header version 3).
package capabilities

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// prctl(2) operations and secure-bits flags. golang.org/x/sys/unix does not
// expose all of these across every generated version, so they are pinned
// here against their fixed kernel ABI values (linux/prctl.h,
// linux/securebits.h) rather than risk importing a name that may not exist
// in a given x/sys snapshot.
const (
	prCapbsetRead    = 23
	prCapbsetDrop    = 24
	prSetSecurebits  = 28
	prCapAmbient     = 47
	prCapAmbientRaise = 2

	secbitKeepCaps            = 0x10
	secbitKeepCapsLocked      = 0x20
	secbitNoSetuidFixup       = 0x4
	secbitNoSetuidFixupLocked = 0x8
)

// sets mirrors the two 32-bit halves unix.Capget/Capset exchange for a
// 64-bit-wide effective/permitted/inheritable capability bitmap.
type sets struct {
	data [2]unix.CapUserData
}

func getProcessCapabilities() (sets, error) {
	var s sets
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capget(&header, &s.data[0]); err != nil {
		return s, fmt.Errorf("capget: %w", err)
	}
	return s, nil
}

func (s sets) permitted() uint64 {
	return uint64(s.data[0].Permitted) | uint64(s.data[1].Permitted)<<32
}

func (s *sets) setPermitted(bits uint64) {
	s.data[0].Permitted = uint32(bits)
	s.data[1].Permitted = uint32(bits >> 32)
}

func (s *sets) setInheritable(bits uint64) {
	s.data[0].Inheritable = uint32(bits)
	s.data[1].Inheritable = uint32(bits >> 32)
}

func (s *sets) setEffective(bits uint64) {
	s.data[0].Effective = uint32(bits)
	s.data[1].Effective = uint32(bits >> 32)
}

func (s *sets) set() error {
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capset(&header, &s.data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return nil
}

// KeepBitmap translates a keep_capability name list into a bitmap of
// capability numbers to retain, failing on any unrecognized name.
func KeepBitmap(names []string) (uint64, error) {
	var keep uint64
	for _, name := range names {
		cap, ok := Map[name]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
		// Spec.md §9 item 1: the original stores this bitmap in a 64-bit
		// integer but shifts with a signed 32-bit `1`, which is undefined
		// behavior for cap >= 32 in C. Go has no such ambiguity: `uint64(1)
		// << cap` is always a well-defined 64-bit shift, so capability
		// numbers above 31 (CAP_MAC_OVERRIDE and up) behave correctly here
		// rather than exhibiting the original's platform-dependent quirk.
		keep |= uint64(1) << cap.Value
	}
	return keep, nil
}

// Drop performs the ordered bounding-set reduction described in spec.md
// §4.3 step 5: for each capability number from 0 up to whatever
// PR_CAPBSET_READ reports as the kernel's horizon, either PR_CAPBSET_DROP it
// (and clear it from permitted) or PR_CAP_AMBIENT_RAISE it, setting it
// inheritable either way. It finishes by locking the secure bits. Must be
// called from the child process just before the uid/gid transition; once it
// returns successfully the locks are irreversible for this process
// (spec.md §3 invariant).
func Drop(keep uint64) error {
	s, err := getProcessCapabilities()
	if err != nil {
		return err
	}

	permitted := s.permitted()
	var inheritable uint64
	var ambientCandidates []int

	for capNum := 0; ; capNum++ {
		r, err := unix.PrctlRetInt(prCapbsetRead, uintptr(capNum), 0, 0, 0)
		if err != nil || r < 0 {
			break
		}
		bit := uint64(1) << uint(capNum)
		if keep&bit == 0 {
			if err := unix.Prctl(prCapbsetDrop, uintptr(capNum), 0, 0, 0); err != nil {
				return fmt.Errorf("prctl(PR_CAPBSET_DROP, %d): %w", capNum, err)
			}
			permitted &^= bit
		} else {
			ambientCandidates = append(ambientCandidates, capNum)
		}
		inheritable |= bit
	}

	// The inheritable/permitted sets must already carry a capability before
	// PR_CAP_AMBIENT_RAISE will accept it, so capset runs before the ambient
	// raise pass rather than after it.
	s.setPermitted(permitted)
	s.setInheritable(inheritable)
	s.setEffective(permitted)
	if err := s.set(); err != nil {
		return err
	}

	for _, capNum := range ambientCandidates {
		if err := unix.Prctl(prCapAmbient, prCapAmbientRaise, uintptr(capNum), 0, 0); err != nil {
			// Mirrors the original (alctrz.c): an ambient-raise failure is
			// logged and the loop continues rather than aborting the child.
			log.Warnf("capabilities: prctl(PR_CAP_AMBIENT_RAISE, %d): %v", capNum, err)
		}
	}

	securebits := secbitKeepCaps | secbitKeepCapsLocked |
		secbitNoSetuidFixup | secbitNoSetuidFixupLocked
	if err := unix.Prctl(prSetSecurebits, uintptr(securebits), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_SECUREBITS): %w", err)
	}
	return nil
}
