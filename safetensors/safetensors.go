// Package safetensors reads checkpoint files in the safetensors format: an
// 8-byte little-endian header length, a JSON header describing every tensor
// (dtype, shape, byte range), and a contiguous payload region. The header is
// parsed once at open; payloads are fetched selectively by name through
// random access, so indexing a multi-gigabyte file costs only the header.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// TensorInfo contains metadata about a tensor.
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int32  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// FormatError reports an unreadable checkpoint header.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed safetensors file %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// MissingTensorError reports a lookup for a name the index does not contain.
type MissingTensorError struct {
	Name string
}

func (e *MissingTensorError) Error() string {
	return fmt.Sprintf("tensor %q not found", e.Name)
}

// File is an open checkpoint. It holds the file handle until Close and
// serves payload reads by offset; the header index is immutable after Open.
type File struct {
	path      string
	f         *os.File
	index     map[string]TensorInfo
	names     []string
	dataStart int64
	size      int64
}

// Open parses the header of the checkpoint at path and returns an indexed
// handle. Payloads are not read. Returns a FormatError if the header cannot
// be parsed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("read header size: %w", err)}
	}
	if int64(headerSize) <= 0 || int64(headerSize) > fi.Size()-8 {
		f.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("header size %d out of range", headerSize)}
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("read header: %w", err)}
	}

	var index map[string]TensorInfo
	if err := json.Unmarshal(headerBytes, &index); err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("parse header: %w", err)}
	}
	delete(index, "__metadata__")

	sf := &File{
		path:      path,
		f:         f,
		index:     index,
		dataStart: 8 + int64(headerSize),
		size:      fi.Size(),
	}

	for name, info := range index {
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if err := checkBeginEnd(sf.size-sf.dataStart, begin, end); err != nil {
			f.Close()
			return nil, &FormatError{Path: path, Err: fmt.Errorf("tensor %q: %w", name, err)}
		}
		sf.names = append(sf.names, name)
	}
	sort.Strings(sf.names)

	return sf, nil
}

func checkBeginEnd(size, begin, end int64) error {
	if begin < 0 {
		return fmt.Errorf("begin must not be negative: %d", begin)
	}
	if end < begin {
		return fmt.Errorf("end must be >= begin: %d < %d", end, begin)
	}
	if end > size {
		return fmt.Errorf("end must be <= payload size: %d > %d", end, size)
	}
	return nil
}

// Path returns the file path this handle was opened from.
func (f *File) Path() string { return f.path }

// Names returns all tensor names in sorted order. No payloads are read.
func (f *File) Names() []string { return f.names }

// Info returns metadata about a tensor without loading it.
func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.index[name]
	return info, ok
}

// Has reports whether a tensor exists in the index.
func (f *File) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Fetch reads the raw payload bytes of one tensor.
func (f *File) Fetch(name string) ([]byte, error) {
	info, ok := f.index[name]
	if !ok {
		return nil, &MissingTensorError{Name: name}
	}

	raw := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if _, err := f.f.ReadAt(raw, f.dataStart+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("read tensor %q: %w", name, err)
	}
	return raw, nil
}

// Close releases the underlying file handle. The index remains readable but
// Fetch fails after Close.
func (f *File) Close() error {
	return f.f.Close()
}
