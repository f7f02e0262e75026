package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// StaticLocator serves studies laid out as <root>/<patientID>/<studyUID>/
// with the study's files anywhere below that directory.
type StaticLocator struct {
	fs   afero.Fs
	root string
}

// NewStaticLocator locates studies under root on the local disk.
func NewStaticLocator(root string) *StaticLocator {
	return NewStaticLocatorFs(afero.NewOsFs(), root)
}

func NewStaticLocatorFs(fs afero.Fs, root string) *StaticLocator {
	return &StaticLocator{fs: fs, root: filepath.Clean(root)}
}

func (l *StaticLocator) Find(ctx context.Context, q Query) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	patients, err := l.dirs(l.root, q.PatientID)
	if err != nil {
		return nil, err
	}
	records := []Record{}
	for _, patient := range patients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		studies, err := l.dirs(filepath.Join(l.root, patient), q.StudyUID)
		if err != nil {
			return nil, err
		}
		for _, study := range studies {
			records = append(records, Record{
				PatientID: patient,
				StudyUID:  study,
				Location:  filepath.Join(l.root, patient, study),
			})
		}
	}
	return records, nil
}

// dirs lists the sub-directories of dir whose name matches pattern, in
// lexical order.
func (l *StaticLocator) dirs(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	infos, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, info.Name()); ok {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Resolve lists every regular file below the record's location, in lexical
// order. Hidden files are skipped.
func (l *StaticLocator) Resolve(ctx context.Context, r Record) ([]string, error) {
	rel, err := filepath.Rel(l.root, r.Location)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrInvalidQuery, r.Location, l.root)
	}
	var paths []string
	err = afero.Walk(l.fs, r.Location, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path != r.Location && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.Location, err)
	}
	sort.Strings(paths)
	return paths, nil
}
