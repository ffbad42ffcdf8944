// Package memory plans how model components are placed against a byte
// budget before any weights are loaded. Quantized components may spill
// weight bytes to host memory; unquantized components must fit on the
// accelerator whole.
package memory

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"imageflow/safetensors"
)

// GB is a convenience constant for gigabytes.
const GB = 1024 * 1024 * 1024

// dequantHeadroomDiv sizes the accelerator headroom a quantized component
// needs for transient dequantized copies, as a fraction of its weight
// bytes. Dequantization widens one layer at a time, so a quarter of the
// compact payload is comfortably above the largest single layer.
const dequantHeadroomDiv = 4

// OutOfMemoryError reports a component that cannot be placed within the
// remaining budget.
type OutOfMemoryError struct {
	Component string
	Need      uint64
	Have      uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory for %s: need %s, have %s",
		e.Component, humanize.IBytes(e.Need), humanize.IBytes(e.Have))
}

// Request describes one component to place.
type Request struct {
	Component   string
	WeightBytes uint64
	Quantized   bool
}

// ComponentBudget is the planned placement of one component.
type ComponentBudget struct {
	AcceleratorBytes uint64
	HostBytes        uint64
}

// Plan is the result of placement: per-component budgets whose accelerator
// total never exceeds the budget minus the reservation.
type Plan struct {
	Components map[string]ComponentBudget
	Total      uint64
	Reserved   uint64
}

// AcceleratorTotal returns the accelerator bytes across all components.
func (p *Plan) AcceleratorTotal() uint64 {
	var sum uint64
	for _, b := range p.Components {
		sum += b.AcceleratorBytes
	}
	return sum
}

// PlanPlacement places components in request order against a total budget
// with a fixed reservation. Unquantized components take their full weight
// bytes on the accelerator or fail. Quantized components keep their
// dequantization headroom on the accelerator and spill weight bytes to
// host memory when the accelerator runs out.
func PlanPlacement(total, reserved uint64, reqs []Request, log *slog.Logger) (*Plan, error) {
	if log == nil {
		log = slog.Default()
	}
	if reserved >= total {
		return nil, &OutOfMemoryError{Component: "reservation", Need: reserved, Have: total}
	}

	plan := &Plan{
		Components: make(map[string]ComponentBudget, len(reqs)),
		Total:      total,
		Reserved:   reserved,
	}
	remaining := total - reserved

	for _, req := range reqs {
		var budget ComponentBudget
		if !req.Quantized {
			if req.WeightBytes > remaining {
				return nil, &OutOfMemoryError{Component: req.Component, Need: req.WeightBytes, Have: remaining}
			}
			budget.AcceleratorBytes = req.WeightBytes
		} else {
			headroom := req.WeightBytes / dequantHeadroomDiv
			if headroom > remaining {
				return nil, &OutOfMemoryError{Component: req.Component, Need: headroom, Have: remaining}
			}
			onAccel := req.WeightBytes + headroom
			if onAccel > remaining {
				budget.HostBytes = onAccel - remaining
				onAccel = remaining
			}
			budget.AcceleratorBytes = onAccel
		}
		remaining -= budget.AcceleratorBytes
		plan.Components[req.Component] = budget

		log.Debug("placed component",
			"component", req.Component,
			"accelerator", humanize.IBytes(budget.AcceleratorBytes),
			"host", humanize.IBytes(budget.HostBytes),
			"remaining", humanize.IBytes(remaining))
	}

	log.Info("memory plan",
		"total", humanize.IBytes(total),
		"reserved", humanize.IBytes(reserved),
		"planned", humanize.IBytes(plan.AcceleratorTotal()))
	return plan, nil
}

// EstimateCheckpointBytes sums the payload bytes of every tensor in an
// open checkpoint. Only the header index is consulted.
func EstimateCheckpointBytes(src *safetensors.File) uint64 {
	var sum uint64
	for _, name := range src.Names() {
		info, _ := src.Info(name)
		sum += uint64(info.DataOffsets[1] - info.DataOffsets[0])
	}
	return sum
}

// CheckpointQuantized reports whether any tensor in the checkpoint is
// stored in an FP8 format.
func CheckpointQuantized(src *safetensors.File) bool {
	for _, name := range src.Names() {
		info, _ := src.Info(name)
		if info.Dtype == "F8_E4M3" || info.Dtype == "F8_E5M2" {
			return true
		}
	}
	return false
}
