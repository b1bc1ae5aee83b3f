package services

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// SourceObject is one listed source file.
type SourceObject struct {
	Key  string
	Size int64
}

// SourceLister enumerates the objects under a location and prefix.
type SourceLister interface {
	List(ctx context.Context, location, prefix string) ([]SourceObject, error)
}

// LocalLister lists files below a local directory. Keys are slash-separated
// paths relative to the location.
type LocalLister struct{}

func (LocalLister) List(ctx context.Context, location, prefix string) ([]SourceObject, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("stat source location %s: %w", location, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source location %s is not a directory", location)
	}

	var objects []SourceObject
	err = filepath.WalkDir(location, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(location, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			// Skip files we can't stat, but continue
			return nil
		}
		objects = append(objects, SourceObject{Key: key, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", location, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CoverRules identifies cover images by file name.
type CoverRules struct {
	Front string
	Back  string
}

// DefaultCoverRules marks "~.jpg" as the front cover and "z.jpg" as the back cover.
func DefaultCoverRules() CoverRules {
	return CoverRules{Front: "~.jpg", Back: "z.jpg"}
}

// IsFront reports whether key names the front cover.
func (c CoverRules) IsFront(key string) bool {
	return c.Front != "" && strings.Contains(path.Base(key), c.Front)
}

// IsBack reports whether key names the back cover.
func (c CoverRules) IsBack(key string) bool {
	return c.Back != "" && strings.Contains(path.Base(key), c.Back) && !c.IsFront(key)
}

// IsCover reports whether key is either cover.
func (c CoverRules) IsCover(key string) bool {
	return c.IsFront(key) || c.IsBack(key)
}

// HasExtension matches key against extensions case-insensitively.
func HasExtension(key string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(key))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
