// Package device locates a mounted CircuitPython board.
package device

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// VolumeName is the volume label CircuitPython boards mount under.
const VolumeName = "CIRCUITPY"

// bootFile is written by CircuitPython at boot and identifies a real board.
const bootFile = "boot_out.txt"

// ErrNotFound is returned when no board is mounted.
var ErrNotFound = errors.New("no CircuitPython board found")

// Device is a mounted board.
type Device struct {
	// Path is the mount point.
	Path string

	// Info is the first line of boot_out.txt (firmware and board name).
	Info string
}

// Finder searches mount roots for a board.
type Finder struct {
	Roots []string
}

// DefaultRoots returns the directories removable media are mounted under on
// this platform.
func DefaultRoots() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/Volumes"}
	}
	var roots []string
	if user := os.Getenv("USER"); user != "" {
		roots = append(roots, filepath.Join("/media", user), filepath.Join("/run/media", user))
	}
	return append(roots, "/media", "/mnt")
}

// Find looks for a board under DefaultRoots.
func Find() (*Device, error) {
	return (&Finder{Roots: DefaultRoots()}).Find()
}

// Find returns the first board found. A volume counts when its name starts
// with CIRCUITPY and it holds boot_out.txt. Within a root, volumes are checked
// in name order, so CIRCUITPY wins over CIRCUITPY1.
func (f *Finder) Find() (*Device, error) {
	for _, root := range f.Roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), VolumeName) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(root, name)
			info, ok := readBootInfo(path)
			if ok {
				return &Device{Path: path, Info: info}, nil
			}
		}
	}
	return nil, ErrNotFound
}

func readBootInfo(mount string) (string, bool) {
	f, err := os.Open(filepath.Join(mount, bootFile))
	if err != nil {
		return "", false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if s.Scan() {
		return strings.TrimSpace(s.Text()), true
	}
	return "", true
}
