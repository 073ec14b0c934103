package source

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var compressionSuffixes = map[string]Compression{
	".gz":  Gzip,
	".bz2": Bzip2,
	".xz":  XZ,
	".zst": Zstd,
}

var formatByExt = map[string]Format{
	".csv":     Delimited,
	".tsv":     Delimited,
	".txt":     Delimited,
	".psv":     Delimited,
	".dat":     Delimited,
	".xlsx":    Spreadsheet,
	".xlsm":    Spreadsheet,
	".xls":     Spreadsheet,
	".parquet": Columnar,
	".pq":      Columnar,
	".json":    JSON,
	".jsonl":   JSON,
	".ndjson":  JSON,
	".html":    HTML,
	".htm":     HTML,
}

// Detect stats path and classifies it by extension. A compression suffix is
// stripped first, so "sales.csv.gz" is gzip-compressed delimited text.
//
// Errors:
//   - the stat error if the file cannot be reached
//   - ErrUnsupportedFormat for unknown extensions and directories
func Detect(fs afero.Fs, path string) (SourceFile, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return SourceFile{}, err
	}
	if fi.IsDir() {
		return SourceFile{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
	}

	comp, ext := splitExt(path)
	format, ok := formatByExt[ext]
	if !ok {
		return SourceFile{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return SourceFile{
		Path:        path,
		Format:      format,
		Compression: comp,
		Size:        fi.Size(),
		Ext:         ext,
	}, nil
}

// IsSupported reports whether Detect would accept the name's extension.
func IsSupported(name string) bool {
	_, ext := splitExt(name)
	_, ok := formatByExt[ext]
	return ok
}

// BaseName is the file name without directory, compression suffix or
// format extension: "/in/Sales 2024.csv.gz" -> "Sales 2024".
func BaseName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for suf := range compressionSuffixes {
		if strings.HasSuffix(lower, suf) {
			base = base[:len(base)-len(suf)]
			lower = lower[:len(lower)-len(suf)]
			break
		}
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func splitExt(path string) (Compression, string) {
	lower := strings.ToLower(filepath.Base(path))
	comp := NoCompression
	for suf, c := range compressionSuffixes {
		if strings.HasSuffix(lower, suf) {
			comp = c
			lower = strings.TrimSuffix(lower, suf)
			break
		}
	}
	return comp, filepath.Ext(lower)
}

// defaultDelimiter is the delimiter implied by the extension, or 0 when the
// content has to be sniffed.
func defaultDelimiter(ext string) rune {
	switch ext {
	case ".tsv":
		return '\t'
	case ".psv":
		return '|'
	}
	return 0
}
