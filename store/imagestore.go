package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImageStore writes fetched image bytes to a local directory tree, one
// subdirectory per page. Only the path is recorded on the CachedImage row.
type ImageStore struct {
	Dir string
}

func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image dir: %w", err)
	}
	return &ImageStore{Dir: dir}, nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// ImagePath returns the destination for one image of a page. Page IDs can
// contain characters that are unfriendly to filesystems, so they are
// sanitized into the directory name.
func (is *ImageStore) ImagePath(pageID string, index int, mime string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, pageID)
	return filepath.Join(is.Dir, safe, fmt.Sprintf("image_%d.%s", index, extForMime(mime)))
}

func (is *ImageStore) Save(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
