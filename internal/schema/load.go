package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "odsflow/pkg/errors"
)

// Parse decodes and validates a single descriptor document. Unknown keys
// are rejected.
func Parse(data []byte) (*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		if err == io.EOF {
			return nil, apperrors.New(apperrors.ErrCodeDescriptorInvalid, "empty pipeline definition")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDescriptorInvalid, "failed to parse pipeline definition")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadFile reads a descriptor from a YAML file.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read pipeline definition %s", path))
	}

	d, err := Parse(data)
	if err != nil {
		var appErr *apperrors.AppError
		if apperrors.As(err, &appErr) {
			_ = appErr.WithContext("file", path)
		}
		return nil, err
	}
	return d, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
// Pipeline names must be unique.
func LoadDir(dir string) ([]*Descriptor, error) {
	files, err := listDir(dir)
	if err != nil {
		return nil, err
	}
	return LoadFiles(files)
}

// Load reads the descriptors in dirs followed by the listed files. A
// pipeline name may appear only once across all of them.
func Load(dirs, files []string) ([]*Descriptor, error) {
	var paths []string
	for _, dir := range dirs {
		found, err := listDir(dir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	return LoadFiles(append(paths, files...))
}

// Select returns the named descriptors in the order given. No names
// selects all of them.
func Select(all []*Descriptor, names []string) ([]*Descriptor, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]*Descriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}
	out := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			return nil, apperrors.New(apperrors.ErrCodeConfigNotFound, fmt.Sprintf("unknown pipeline %q", name)).
				WithSuggestions("List the configured pipelines with 'odsflow run --help' or check pipelines.dirs")
		}
		out = append(out, d)
	}
	return out, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read pipeline directory %s", dir))
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadFiles loads the given descriptor files.
func LoadFiles(paths []string) ([]*Descriptor, error) {
	seen := make(map[string]string, len(paths))
	out := make([]*Descriptor, 0, len(paths))
	for _, p := range paths {
		d, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[d.Name]; dup {
			return nil, apperrors.DescriptorError(d.Table,
				fmt.Sprintf("pipeline %q defined in both %s and %s", d.Name, prev, p))
		}
		seen[d.Name] = p
		out = append(out, d)
	}
	return out, nil
}
