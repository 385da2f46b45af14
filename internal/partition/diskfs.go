package partition

import (
	"context"

	diskfs "github.com/diskfs/go-diskfs"
)

// DiskfsSource reads the MBR or GPT partition table of the image directly,
// for hosts without fdisk.
type DiskfsSource struct{}

func (DiskfsSource) Offsets(ctx context.Context, image string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, &ScanError{Image: image, Err: err}
	}
	defer d.Close()
	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, &ScanError{Image: image, Err: err}
	}
	var offsets []int64
	for _, p := range table.GetPartitions() {
		if p == nil || p.GetSize() == 0 {
			continue // unused MBR slot
		}
		offsets = append(offsets, p.GetStart())
	}
	if len(offsets) == 0 {
		return nil, &ScanError{Image: image, Err: ErrNoPartitions}
	}
	return offsets, nil
}
