// Package workspace saves and restores named sets of link records.
//
// A workspace is a directory under the workspaces root holding copies of the
// link records (deactivated, so none of them looks like a running link) and a
// workspace.yaml manifest. Loading a workspace replaces the current links.
package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/circlink/pkg/circlink/logging"
	"github.com/jamesainslie/circlink/pkg/circlink/store"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

const (
	manifestName = "workspace.yaml"
	currentName  = ".current"
	tmpPrefix    = ".tmp-"

	// maxImportFile bounds each file extracted from an imported archive.
	maxImportFile = 1 << 20
)

var (
	// ErrNotFound is returned for an unknown workspace name.
	ErrNotFound = errors.New("workspace not found")

	// ErrExists is returned when saving over an existing workspace without overwrite.
	ErrExists = errors.New("workspace already exists")

	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid workspace name")

	// ErrInvalidArchive is returned when an imported archive is not a workspace export.
	ErrInvalidArchive = errors.New("invalid workspace archive")
)

// Manifest describes a saved workspace.
type Manifest struct {
	Name  string    `yaml:"name"`
	Saved time.Time `yaml:"saved"`
	Links []int     `yaml:"links"`
}

// Manager stores workspaces in a directory and restores them into a link store.
type Manager struct {
	dir   string
	links *store.Store
	log   *logging.Logger
}

// New returns a manager for workspaces under dir, operating on links.
func New(dir string, links *store.Store) *Manager {
	return &Manager{dir: dir, links: links, log: logging.Get("workspace")}
}

// Dir returns the workspaces root.
func (m *Manager) Dir() string { return m.dir }

// Path returns the directory of the named workspace.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// ValidateName checks that name can be used as a workspace directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q may not start with a dot", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q may not contain path separators", ErrInvalidName, name)
	}
	return nil
}

// Save copies the current link records into the named workspace and makes it
// the current one.
func (m *Manager) Save(name string, overwrite bool) (*Manifest, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	exists, err := m.exists(name)
	if err != nil {
		return nil, err
	}
	if exists && !overwrite {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	recs, err := m.links.List("*")
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{Name: name, Saved: time.Now().UTC().Truncate(time.Second), Links: []int{}}
	err = m.build(name, func(dir string) error {
		saved := store.New(dir)
		for _, rec := range recs {
			rec.Deactivate()
			if _, err := saved.Restore(rec); err != nil {
				return fmt.Errorf("saving link %d: %w", rec.ID, err)
			}
			manifest.Links = append(manifest.Links, rec.ID)
		}
		return writeManifest(dir, manifest)
	})
	if err != nil {
		return nil, err
	}

	if err := m.SetCurrent(name); err != nil {
		return nil, err
	}
	m.log.Info("saved workspace", "name", name, "links", len(manifest.Links))
	return manifest, nil
}

// build populates a temporary directory with fill and moves it into place as
// the named workspace, replacing any existing one.
func (m *Manager) build(name string, fill func(dir string) error) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating workspaces directory: %w", err)
	}

	tmp := filepath.Join(m.dir, tmpPrefix+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if err := fill(tmp); err != nil {
		return err
	}

	if err := os.RemoveAll(m.Path(name)); err != nil {
		return fmt.Errorf("replacing workspace %s: %w", name, err)
	}
	if err := os.Rename(tmp, m.Path(name)); err != nil {
		return fmt.Errorf("replacing workspace %s: %w", name, err)
	}
	return nil
}

// Load replaces the current links with the named workspace's records. It
// refuses while any current link is still running.
func (m *Manager) Load(name string) (*Manifest, error) {
	manifest, err := m.Manifest(name)
	if err != nil {
		return nil, err
	}

	current, err := m.links.List("*")
	if err != nil {
		return nil, err
	}
	var running []string
	for _, rec := range current {
		if rec.Running() {
			running = append(running, fmt.Sprint(rec.ID))
		}
	}
	if len(running) > 0 {
		return nil, fmt.Errorf("links %s: %w", strings.Join(running, ", "), types.ErrNotStopped)
	}

	saved, err := store.New(m.Path(name)).List("*")
	if err != nil {
		return nil, err
	}

	for _, rec := range current {
		if err := m.links.Delete(rec.ID, false); err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}
	for _, rec := range saved {
		rec.Deactivate()
		if _, err := m.links.Restore(rec); err != nil {
			return nil, fmt.Errorf("restoring link %d: %w", rec.ID, err)
		}
	}

	if err := m.SetCurrent(name); err != nil {
		return nil, err
	}
	m.log.Info("loaded workspace", "name", name, "links", len(saved))
	return manifest, nil
}

// Manifest reads the named workspace's manifest.
func (m *Manager) Manifest(name string) (*Manifest, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.Path(name), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("reading workspace %s: %w", name, err)
	}
	manifest.Name = name
	return &manifest, nil
}

// List returns every saved workspace sorted by name. Directories without a
// readable manifest are skipped.
func (m *Manager) List() ([]Manifest, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspaces directory: %w", err)
	}

	out := []Manifest{}
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		manifest, err := m.Manifest(e.Name())
		if err != nil {
			m.log.Debug("skipping workspace", "name", e.Name(), "error", err)
			continue
		}
		out = append(out, *manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the named workspace. Deleting the current workspace leaves
// the current workspace unnamed.
func (m *Manager) Delete(name string) error {
	if _, err := m.Manifest(name); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Path(name)); err != nil {
		return fmt.Errorf("deleting workspace %s: %w", name, err)
	}

	current, err := m.Current()
	if err != nil {
		return err
	}
	if current == name {
		return m.SetCurrent("")
	}
	return nil
}

// Current returns the name of the current workspace, or "" if it is unnamed.
func (m *Manager) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, currentName))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrent records name as the current workspace. An empty name clears it.
func (m *Manager) SetCurrent(name string) error {
	if name != "" {
		if err := ValidateName(name); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating workspaces directory: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir, currentName), []byte(name+"\n"), 0o644)
}

// Export writes the named workspace to <dir>/<name>.zip and returns the path.
func (m *Manager) Export(name, dir string) (string, error) {
	if _, err := m.Manifest(name); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(m.Path(name))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	out := filepath.Join(dir, name+".zip")
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}

	zw := zip.NewWriter(f)
	for _, e := range entries {
		if e.IsDir() || !archiveMember(e.Name()) {
			continue
		}
		if err := addToZip(zw, path.Join(name, e.Name()), filepath.Join(m.Path(name), e.Name())); err != nil {
			_ = zw.Close()
			_ = f.Close()
			_ = os.Remove(out)
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	m.log.Info("exported workspace", "name", name, "path", out)
	return out, nil
}

func addToZip(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// archiveMember reports whether a file belongs in a workspace archive.
func archiveMember(base string) bool {
	if base == manifestName {
		return true
	}
	_, err := store.IDFromPath(base)
	return err == nil
}

// ImportOptions control Import.
type ImportOptions struct {
	// Overwrite replaces an existing workspace with the same name.
	Overwrite bool

	// Load makes the imported workspace the active one.
	Load bool
}

// Import adds the workspace in an archive written by Export. The workspace
// takes the name of the archive's top-level directory.
func (m *Manager) Import(zipPath string, opts ImportOptions) (*Manifest, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	name, err := archiveName(zr.File)
	if err != nil {
		return nil, err
	}
	exists, err := m.exists(name)
	if err != nil {
		return nil, err
	}
	if exists && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	err = m.build(name, func(dir string) error {
		for _, zf := range zr.File {
			if strings.HasSuffix(zf.Name, "/") {
				continue
			}
			if err := extract(zf, filepath.Join(dir, path.Base(zf.Name))); err != nil {
				return err
			}
		}
		if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
			return fmt.Errorf("%w: no %s", ErrInvalidArchive, manifestName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("imported workspace", "name", name, "from", zipPath)

	if opts.Load {
		return m.Load(name)
	}
	return m.Manifest(name)
}

// archiveName checks that every member is <name>/<workspace file> for a
// single valid name, and returns it.
func archiveName(files []*zip.File) (string, error) {
	name := ""
	for _, zf := range files {
		clean := strings.TrimSuffix(zf.Name, "/")
		dir, base := path.Split(clean)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			// The top-level directory entry itself.
			if strings.HasSuffix(zf.Name, "/") {
				dir = base
				base = ""
			} else {
				return "", fmt.Errorf("%w: %s is not inside a workspace directory", ErrInvalidArchive, zf.Name)
			}
		}
		if strings.Contains(dir, "/") || ValidateName(dir) != nil {
			return "", fmt.Errorf("%w: unexpected entry %s", ErrInvalidArchive, zf.Name)
		}
		if base != "" && !archiveMember(base) {
			return "", fmt.Errorf("%w: unexpected file %s", ErrInvalidArchive, zf.Name)
		}
		if name != "" && name != dir {
			return "", fmt.Errorf("%w: more than one workspace", ErrInvalidArchive)
		}
		name = dir
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty archive", ErrInvalidArchive)
	}
	return name, nil
}

func extract(zf *zip.File, dst string) error {
	if zf.UncompressedSize64 > maxImportFile {
		return fmt.Errorf("%w: %s is too large", ErrInvalidArchive, zf.Name)
	}
	in, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(in, maxImportFile)); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (m *Manager) exists(name string) (bool, error) {
	_, err := os.Stat(m.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func writeManifest(dir string, manifest *Manifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding workspace manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
}
