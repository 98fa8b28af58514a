package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

const tempSuffix = ".circlink-tmp"

// copyFile replaces dst with the contents and permissions of src. The new
// content is written to a temporary file beside dst and renamed into place, so
// readers of dst never see a partial file.
//
// A missing src is returned unwrapped (fs.ErrNotExist). Failing to create
// dst's directory wraps types.ErrDestination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDestination, err)
	}

	tmp := fmt.Sprintf("%s.%s%s", dst, uuid.NewString(), tempSuffix)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	// OpenFile's mode is filtered by the umask.
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", dst, err)
	}
	return nil
}
