package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// ValidationReport is the per-path result of Validate.
type ValidationReport struct {
	Path       string
	Exists     bool
	ByteSize   uint64
	Format     Format
	Heuristic  HeuristicClass
	Warnings   []string
}

// Validate inspects each path and reports existence, size, detected
// format and a best-effort type classification. It never mutates cache
// state.
func Validate(paths []string) []ValidationReport {
	reports := make([]ValidationReport, 0, len(paths))
	for _, path := range paths {
		reports = append(reports, validateOne(path))
	}
	return reports
}

func validateOne(path string) ValidationReport {
	report := ValidationReport{Path: path, Format: detectFormat(path)}

	info, err := os.Stat(path)
	if err != nil {
		report.Warnings = append(report.Warnings, "file does not exist or is unreadable")
		return report
	}
	if info.IsDir() {
		report.Warnings = append(report.Warnings, "path is a directory, not a model file")
		return report
	}

	report.Exists = true
	report.ByteSize = uint64(info.Size())

	if report.Format == FormatUnknown {
		report.Warnings = append(report.Warnings, "unrecognized file extension")
	}

	report.Heuristic = classifyBySize(report.ByteSize)
	return report
}

func detectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors
	case ".ckpt":
		return FormatCkpt
	case ".pt":
		return FormatPt
	case ".onnx":
		return FormatONNX
	default:
		return FormatUnknown
	}
}

const (
	gib = 1 << 30
	mib = 1 << 20
)

// classifyBySize applies a best-effort size heuristic:
//   - >= 5 GiB        -> Base
//   - 2 GiB - 5 GiB    -> Generic
//   - 500 MiB - 2 GiB  -> VAE
//   - 100 MiB - 500 MiB -> Generic
//   - < 100 MiB        -> Adapter
func classifyBySize(size uint64) HeuristicClass {
	switch {
	case size >= 5*gib:
		return HeuristicBase
	case size >= 2*gib:
		return HeuristicGeneric
	case size >= 500*mib:
		return HeuristicVAE
	case size >= 100*mib:
		return HeuristicGeneric
	default:
		return HeuristicAdapter
	}
}
