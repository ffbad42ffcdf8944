// Package model builds the diffusion transformer graph from a checkpoint.
// Construction is placeholder-first: the topology is declared with zero
// backing storage, then a single streaming pass over the checkpoint
// materializes each parameter as dense float32 storage or installs an
// FP8-quantized linear unit in its place.
package model

import "strings"

// producerPrefixes are checkpoint name prefixes emitted by known producers,
// ordered so a compound prefix is tried before its sub-prefix. Exactly one
// matching prefix is stripped.
var producerPrefixes = []string{
	"model.diffusion_model.",
	"diffusion_model.",
	"transformer.",
	"model.",
}

// scaleSuffix marks the per-tensor dequantization scale companion of an FP8
// weight: "<layer>.weight" pairs with "<layer>.scale_weight".
const scaleSuffix = ".scale_weight"

// Normalize maps a raw checkpoint tensor name to its canonical dotted path.
// Scale records are metadata, not graph parameters, and report ok=false;
// they are picked up separately by ScaleTarget. Unmatched names pass
// through unchanged. The mapping is deterministic and total.
func Normalize(raw string) (canonical string, ok bool) {
	name := stripPrefix(raw)
	if strings.HasSuffix(name, scaleSuffix) {
		return "", false
	}
	return name, true
}

// ScaleTarget reports whether raw is a scale record and, if so, the
// canonical path of the layer it belongs to.
func ScaleTarget(raw string) (layerPath string, ok bool) {
	name := stripPrefix(raw)
	if !strings.HasSuffix(name, scaleSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, scaleSuffix), true
}

func stripPrefix(name string) string {
	for _, prefix := range producerPrefixes {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}
