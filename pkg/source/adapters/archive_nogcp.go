//go:build !gcp

package adapters

import (
	"context"
	"fmt"
)

func newGCSObjectReader(context.Context, ArchiveConfig) (ObjectReader, error) {
	return nil, fmt.Errorf("GCS archives are not enabled in this build (use -tags gcp)")
}
