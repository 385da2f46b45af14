// Package partition determines where the partitions of a raw disk image
// start, without needing a partition table driver.
package partition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/waygps/tools/internal/hostcmd"
)

// SectorSize is the unit of the Start column printed by fdisk -l.
const SectorSize = 512

// ErrNoPartitions is wrapped by ScanError when a listing has no data rows.
var ErrNoPartitions = errors.New("could not determine partition offsets")

// ScanError is returned when the partitions of Image cannot be determined.
type ScanError struct {
	Image string
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanning %s: %v", e.Image, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ParseOffsets extracts the byte offset of each partition from fdisk -l
// output. Rows are only considered after the header row (the one naming
// both the Device and Size columns); rows whose start sector cannot be
// parsed are skipped. The result is empty if no header was found.
func ParseOffsets(listing string) []int64 {
	var offsets []int64
	inTable := false
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if !inTable {
			if contains(fields, "Device") && contains(fields, "Size") {
				inTable = true
			}
			continue
		}
		if len(fields) < 2 {
			continue
		}
		start := fields[1]
		// The Boot column is either empty or a lone "*" for MBR tables.
		if start == "*" {
			if len(fields) < 3 {
				continue
			}
			start = fields[2]
		}
		sector, err := strconv.ParseInt(start, 10, 64)
		if err != nil || sector < 0 || sector > math.MaxInt64/SectorSize {
			continue
		}
		offsets = append(offsets, sector*SectorSize)
	}
	return offsets
}

func contains(fields []string, s string) bool {
	for _, f := range fields {
		if f == s {
			return true
		}
	}
	return false
}

// Source yields the partition offsets of an image.
type Source interface {
	Offsets(ctx context.Context, image string) ([]int64, error)
}

// FdiskSource runs "<Tool> -l <image>" and parses its output.
type FdiskSource struct {
	Runner hostcmd.Runner
	// Tool defaults to fdisk.
	Tool string
}

func (s *FdiskSource) Offsets(ctx context.Context, image string) ([]int64, error) {
	tool := s.Tool
	if tool == "" {
		tool = "fdisk"
	}
	res, err := s.Runner.Run(ctx, tool, "-l", image)
	if err != nil {
		return nil, &ScanError{Image: image, Err: err}
	}
	offsets := ParseOffsets(string(res.Stdout))
	if len(offsets) == 0 {
		return nil, &ScanError{Image: image, Err: ErrNoPartitions}
	}
	return offsets, nil
}
