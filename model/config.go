package model

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"imageflow/safetensors"
)

// Config describes the diffusion transformer topology. It is normally read
// from a config.json next to the checkpoint; missing structural fields are
// derived from the checkpoint index where possible.
type Config struct {
	Dim        int32   `json:"dim"`
	NHeads     int32   `json:"n_heads"`
	NLayers    int32   `json:"n_layers"`
	InChannels int32   `json:"in_channels"`
	PatchSize  int32   `json:"patch_size"`
	CapFeatDim int32   `json:"cap_feat_dim"`
	HiddenDim  int32   `json:"hidden_dim"`
	NormEps    float32 `json:"norm_eps"`
}

// PatchDim returns the per-token feature width of patchified latents.
func (c *Config) PatchDim() int32 {
	return c.InChannels * c.PatchSize * c.PatchSize
}

// LoadConfig reads a config.json. Fields left at zero are filled by
// DeriveConfig before use.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	return &cfg, nil
}

var layerIndexRE = regexp.MustCompile(`^layers\.(\d+)\.`)

// ScanLayerCount derives the block count from the highest layer index in
// the checkpoint. Only names are inspected; no payloads are read.
func ScanLayerCount(src *safetensors.File) int32 {
	var count int32
	for _, raw := range src.Names() {
		canonical, ok := Normalize(raw)
		if !ok {
			continue
		}
		m := layerIndexRE.FindStringSubmatch(canonical)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if int32(idx)+1 > count {
			count = int32(idx) + 1
		}
	}
	return count
}

// DeriveConfig fills structural fields of cfg from the checkpoint index.
// The config file wins when both carry a value.
func DeriveConfig(cfg *Config, src *safetensors.File) (*Config, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.NLayers == 0 {
		cfg.NLayers = ScanLayerCount(src)
	}
	if cfg.Dim == 0 {
		for _, raw := range src.Names() {
			canonical, ok := Normalize(raw)
			if !ok || canonical != "x_embedder.weight" {
				continue
			}
			info, _ := src.Info(raw)
			if len(info.Shape) == 2 {
				cfg.Dim = info.Shape[0]
			}
		}
	}
	if cfg.NHeads == 0 {
		cfg.NHeads = 8
	}
	if cfg.PatchSize == 0 {
		cfg.PatchSize = 2
	}
	if cfg.InChannels == 0 {
		cfg.InChannels = 16
	}
	if cfg.CapFeatDim == 0 {
		cfg.CapFeatDim = cfg.Dim
	}
	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 4 * cfg.Dim
	}
	if cfg.NormEps == 0 {
		cfg.NormEps = 1e-5
	}

	if cfg.Dim == 0 || cfg.NLayers == 0 {
		return nil, fmt.Errorf("cannot derive model dimensions from checkpoint %s", src.Path())
	}
	if cfg.Dim%cfg.NHeads != 0 {
		return nil, fmt.Errorf("dim %d not divisible by n_heads %d", cfg.Dim, cfg.NHeads)
	}
	return cfg, nil
}
