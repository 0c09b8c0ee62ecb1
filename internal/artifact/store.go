package artifact

import (
	"context"
	"io"
)

// Store persists final composited images and review copies. The returned
// location is what lands in the output table's output_path column.
type Store interface {
	Save(ctx context.Context, runID, name string, r io.Reader) (location string, err error)
}
