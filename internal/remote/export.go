package remote

import (
	"context"
	"fmt"

	"github.com/t3m8ch/canary-probe/internal/sandbox"
)

// ExportDirectory returns dir as a tar stream with paths relative to dir.
// Only transport errors are reported; there is no failure token here.
func (c *Channel) ExportDirectory(ctx context.Context, sb *sandbox.Sandbox, dir string) ([]byte, error) {
	req := sandbox.ExecRequest{
		Cmd:        []string{"tar", "-C", dir, "-cf", "-", "."},
		StdoutOnly: true,
	}

	data, err := c.executor.Exec(ctx, sb.ID(), req)
	if err != nil {
		return nil, fmt.Errorf("export %s from %s: %w", dir, sb.Name, err)
	}
	return data, nil
}
