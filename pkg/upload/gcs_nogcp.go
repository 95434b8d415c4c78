//go:build !gcp

package upload

import (
	"context"
	"fmt"
)

func newGCSUploader(ctx context.Context) (Uploader, error) {
	return nil, fmt.Errorf("GCS uploads are not enabled in this build (use -tags gcp)")
}
