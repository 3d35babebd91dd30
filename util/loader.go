// Package util - Loading of image corpora from disk.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoImages is returned when a corpus path holds no image files.
var ErrNoImages = errors.New("no image files found")

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
}

// Name returns the file name without its directory.
func (f ImageFile) Name() string {
	return filepath.Base(f.Path)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsImageFile reports whether the path has a known image extension.
func IsImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// LoadImageFiles reads a single image file, or every image file directly inside a
// directory sorted by name.
//
// Arguments:
//   - path: A file or directory path.
//
// Returns:
//   - []ImageFile: The loaded files.
//   - error: A read error, or ErrNoImages for a directory without images.
func LoadImageFiles(path string) ([]ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat corpus")
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read image")
		}
		return []ImageFile{{Path: path, Data: data}}, nil
	}
	return LoadDirectoryImageFiles(path)
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The files sorted by name.
//   - error: A read error, or ErrNoImages.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read corpus directory")
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		imgPath := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", entry.Name())
		}
		files = append(files, ImageFile{Path: imgPath, Data: data})
	}

	if len(files) == 0 {
		return nil, errors.Wrap(ErrNoImages, dir)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}
