package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var tiffExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// IsTIFF reports whether path has a TIFF extension.
func IsTIFF(path string) bool {
	_, ok := tiffExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsHidden reports dotfiles such as .DS_Store or editor swap files.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// ListTIFFs returns the TIFF files directly inside dir and, separately, every
// other visible regular file. Subdirectories are ignored. Both lists are sorted.
func ListTIFFs(dir string) (tiffs, others []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() || IsHidden(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if IsTIFF(p) {
			tiffs = append(tiffs, p)
		} else {
			others = append(others, p)
		}
	}
	sort.Strings(tiffs)
	sort.Strings(others)
	return tiffs, others, nil
}

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
