package staging

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"odsflow/internal/batch"
	"odsflow/internal/common"
	"odsflow/internal/schema"
	"odsflow/internal/store"
	apperrors "odsflow/pkg/errors"
)

// FileSource reads delimited files from a landing directory. Each data row
// carries its file name and 1-based row number as lineage.
type FileSource struct {
	dir         string
	pattern     string
	comma       rune
	header      bool
	columns     []string
	encoding    encoding.Encoding
	interfaceID string
}

// NewFileSource creates a file source for the descriptor's binding.
func NewFileSource(d *schema.Descriptor) *FileSource {
	s := d.Source
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return &FileSource{
		dir:         s.Dir,
		pattern:     s.Pattern,
		comma:       []rune(s.Delimiter)[0],
		header:      !s.NoHeader,
		columns:     cols,
		encoding:    encodingFor(s.Encoding),
		interfaceID: interfaceID(d),
	}
}

// encodingFor maps a configured charset to its decoder. Byte order marks
// are stripped; UTF-16 without a BOM is read as little endian.
func encodingFor(name string) encoding.Encoding {
	switch strings.ToLower(name) {
	case "shift_jis", "sjis":
		return japanese.ShiftJIS
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)
	default:
		return unicode.UTF8BOM
	}
}

// Name returns the file glob the source reads.
func (s *FileSource) Name() string {
	return filepath.Join(s.dir, s.pattern)
}

// Files lists the files the next fetch would read, in name order.
func (s *FileSource) Files() ([]string, error) {
	if _, err := os.Stat(s.dir); err != nil {
		return nil, apperrors.SourceUnavailable(s.Name(), err)
	}
	paths, err := filepath.Glob(s.Name())
	if err != nil {
		return nil, apperrors.SourceUnavailable(s.Name(), err)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := common.ValidatePath(p, s.dir); err != nil {
			return nil, apperrors.SourceUnavailable(s.Name(), err)
		}
	}
	return paths, nil
}

// Fetch reads every file matching the pattern. The transaction handle is
// unused; files are read before the run writes anything.
func (s *FileSource) Fetch(ctx context.Context, _ store.Execer, filter Filter) (*batch.Batch, error) {
	paths, err := s.Files()
	if err != nil {
		return nil, err
	}

	b := batch.New(s.columns)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.readFile(ctx, path, b, filter); err != nil {
			return nil, apperrors.SourceUnavailable(s.Name(), err).
				WithContext("file", filepath.Base(path))
		}
	}
	return b, nil
}

func (s *FileSource) readFile(ctx context.Context, path string, b *batch.Batch, filter Filter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(transform.NewReader(f, s.encoding.NewDecoder()))
	r.Comma = s.comma
	r.FieldsPerRecord = -1

	columns := s.columns
	if s.header {
		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if len(columns) == 0 {
			columns = make([]string, len(header))
			for i, h := range header {
				columns[i] = strings.ToLower(strings.TrimSpace(h))
			}
		}
	}
	for _, col := range columns {
		b.AddColumn(col)
	}
	for col := range filter.Match {
		if !contains(columns, col) {
			return fmt.Errorf("filter column %q is not in the file", col)
		}
	}

	name := filepath.Base(path)
	var rowNumber int64
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		rowNumber++
		if rowNumber%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if len(rec) != len(columns) {
			line, _ := r.FieldPos(0)
			return fmt.Errorf("line %d has %d fields, expected %d", line, len(rec), len(columns))
		}

		values := make(map[string]any, len(columns))
		for i, col := range columns {
			values[col] = rec[i]
		}
		if !matches(values, filter.Match) {
			continue
		}
		b.Append(values, batch.Origin{
			InterfaceID: s.interfaceID,
			FileName:    name,
			RowNumber:   rowNumber,
		})
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
