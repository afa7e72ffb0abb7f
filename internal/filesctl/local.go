package filesctl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes to the host filesystem, creating the parent directory.
type LocalStore struct{}

func (LocalStore) PutFile(ctx context.Context, dest string, data []byte) (int64, error) {
	encoded, err := Encode(dest, data)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", dest, err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(encoded); err != nil {
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", dest, err)
	}

	return int64(len(encoded)), nil
}
