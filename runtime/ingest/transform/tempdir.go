package transform

import (
	"context"
	"os"
)

type tempDirKey struct{}

// WithTempDir marks dir as the job's scratch space. File-producing
// transformers write under it so the orchestrator can remove the whole
// tree when the job terminates.
func WithTempDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, tempDirKey{}, dir)
}

// TempDir returns the job's scratch directory, falling back to the system
// temp dir outside a job context.
func TempDir(ctx context.Context) string {
	if dir, ok := ctx.Value(tempDirKey{}).(string); ok && dir != "" {
		return dir
	}
	return os.TempDir()
}
