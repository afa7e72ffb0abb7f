package handler

import (
	"context"
	"fmt"
	"os"
)

// fetchArchive downloads an object-store archive into a temp file that the
// sandbox can bind-mount. The returned cleanup removes it.
func fetchArchive(ctx context.Context, fetcher Fetcher, src string) (string, func(), error) {
	data, err := fetcher.LoadFile(ctx, src)
	if err != nil {
		return "", nil, fmt.Errorf("load archive %s: %w", src, err)
	}

	file, err := os.CreateTemp("", "canary-probe-*.zip")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(file.Name()) }

	if _, err := file.Write(data); err != nil {
		file.Close()
		cleanup()
		return "", nil, fmt.Errorf("write archive: %w", err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write archive: %w", err)
	}

	return file.Name(), cleanup, nil
}
