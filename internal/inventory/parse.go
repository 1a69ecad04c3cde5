package inventory

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var (
	// ErrSchemaInvalid is wrapped by SchemaError.
	ErrSchemaInvalid = errors.New("required columns missing")
	// ErrEmptyDataset means the header was fine but there were no rows.
	ErrEmptyDataset = errors.New("file contains no products")
	// ErrDuplicateCode is wrapped by DuplicateCodeError.
	ErrDuplicateCode = errors.New("duplicate product codes")
	// ErrMalformed wraps CSV syntax errors.
	ErrMalformed = errors.New("malformed file")
)

// SchemaError names every required column absent from the header.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaInvalid }

// DuplicateCodeError lists codes that appear more than once.
type DuplicateCodeError struct {
	Codes []string
}

func (e *DuplicateCodeError) Error() string {
	const shown = 10
	codes := e.Codes
	suffix := ""
	if len(codes) > shown {
		suffix = fmt.Sprintf(" (and %d more)", len(codes)-shown)
		codes = codes[:shown]
	}
	return fmt.Sprintf("duplicate product codes: %s%s", strings.Join(codes, ", "), suffix)
}

func (e *DuplicateCodeError) Unwrap() error { return ErrDuplicateCode }

// Parse reads delimited text into a Dataset. The header must contain the
// four required columns (any order, extra columns ignored) and at least one
// data row must follow. Codes must be unique; stock need not be numeric.
func Parse(r io.Reader) (*Dataset, error) {
	br := bufio.NewReader(r)
	delim, err := sniffDelimiter(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &SchemaError{Missing: append([]string(nil), Columns...)}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}

	cell := func(rec []string, col string) string {
		i := index[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ds := &Dataset{}
	seen := make(map[string]int)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if blankRecord(rec) {
			continue
		}
		p := Product{
			Code:        cell(rec, ColumnCode),
			Description: cell(rec, ColumnDescription),
			Family:      cell(rec, ColumnFamily),
			Stock:       ParseStock(cell(rec, ColumnStock)),
		}
		seen[p.Code]++
		ds.Products = append(ds.Products, p)
	}

	if len(ds.Products) == 0 {
		return nil, ErrEmptyDataset
	}

	var dups []string
	for code, n := range seen {
		if n > 1 {
			dups = append(dups, code)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, &DuplicateCodeError{Codes: dups}
	}

	return ds, nil
}

// sniffDelimiter picks ';' when the header line uses it and has no commas,
// which is what spreadsheet exports in comma-decimal locales produce.
func sniffDelimiter(br *bufio.Reader) (rune, error) {
	line, err := br.Peek(br.Size())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, err
	}
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if bytes.IndexByte(line, ';') >= 0 && bytes.IndexByte(line, ',') < 0 {
		return ';', nil
	}
	return ',', nil
}

func blankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
