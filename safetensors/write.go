package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Raw is a tensor to be written to a checkpoint: an element format tag,
// a shape, and the already-encoded little-endian payload.
type Raw struct {
	Dtype string
	Shape []int32
	Data  []byte
}

// WriteFile writes tensors as a safetensors checkpoint. Payloads are laid
// out contiguously in sorted name order. Used by tooling and tests.
func WriteFile(path string, tensors map[string]Raw) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	index := make(map[string]TensorInfo, len(tensors))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		index[name] = TensorInfo{
			Dtype:       t.Dtype,
			Shape:       t.Shape,
			DataOffsets: [2]int64{offset, offset + int64(len(t.Data))},
		}
		offset += int64(len(t.Data))
	}

	header, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := f.Write(tensors[name].Data); err != nil {
			return err
		}
	}
	return nil
}
