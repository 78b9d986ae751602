package transfer

import (
	"fmt"

	"github.com/dropgate/dropgate/internal/errdefs"
)

const mib = int64(1 << 20)

// partLayout is the resolved geometry of a multipart upload. Every part
// except the last has size exactly PartSize; the last may be as small as one
// byte.
type partLayout struct {
	PartSize int64
	NumParts int
}

// planParts computes the part geometry for fileSize. The algorithm is part of
// the client interop contract and must not change shape:
//
//  1. Start from the default part size.
//  2. If that exceeds the part-count ceiling, grow the part size to
//     ceil(fileSize/maxParts), reject if that overflows the per-part
//     maximum, then round the part size up to the next MiB.
func planParts(fileSize int64, limits Limits) (partLayout, error) {
	partSize := limits.DefaultPartSize
	numParts := ceilDiv(fileSize, partSize)
	if numParts > int64(limits.MaxParts) {
		partSize = ceilDiv(fileSize, int64(limits.MaxParts))
		if partSize > limits.MaxPartSize {
			return partLayout{}, errdefs.TooLarge(fmt.Errorf(
				"file of %d bytes cannot fit %d parts of at most %d bytes",
				fileSize, limits.MaxParts, limits.MaxPartSize))
		}
		partSize = ceilDiv(partSize, mib) * mib
		numParts = ceilDiv(fileSize, partSize)
	}
	return partLayout{PartSize: partSize, NumParts: int(numParts)}, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
