package macro

import (
	"fmt"
	"os"
	"path/filepath"
)

// SlotCount is the number of macro slots the UI exposes (Macro-1
// through Macro-8), per spec.md §6's "Macro files" naming convention.
const SlotCount = 8

// slotExts are the extensions a macro slot file may use; the bare
// extensionless name is preferred, matching the ancestor's
// MACRO_EXTS = ("", ".txt").
var slotExts = []string{"", ".txt"}

// SlotFilename returns the canonical on-disk name for macro slot index
// (1..SlotCount), without a directory.
func SlotFilename(index int) string {
	return fmt.Sprintf("Macro-%d", index)
}

// SearchDirs returns the three macro search paths, leftmost wins, per
// spec.md §6: the resolved per-user config directory's macros
// subdirectory (cfgDir, normally hostconfig.MacroDir()'s result, takes
// priority so a user's own macros always shadow bundled ones); a
// "macros" directory next to the running executable (for a portable
// install that ships default macros alongside the binary); and
// "macros" under the current working directory (for development,
// running straight out of a checkout). Any path os.Executable/os.Getwd
// cannot resolve is simply omitted rather than erroring, since macro
// lookup should degrade gracefully rather than fail the whole session.
func SearchDirs(cfgDir string) []string {
	var dirs []string
	if cfgDir != "" {
		dirs = append(dirs, cfgDir)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "macros"))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, "macros"))
	}
	return dirs
}

// Locate searches dirs in order for macro slot index, trying each of
// slotExts against each directory before moving to the next directory
// (leftmost directory wins over extension preference within it). It
// returns the first match, or an error if none of the dirs contain the
// slot.
func Locate(dirs []string, index int) (string, error) {
	base := SlotFilename(index)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, ext := range slotExts {
			candidate := filepath.Join(dir, base+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("macro: slot %d not found in any search dir", index)
}
