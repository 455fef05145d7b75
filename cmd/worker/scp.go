package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Near-One/nayduck/worker"
)

// scpFetch copies a builder's published build directory over scp, grounded
// on workers/worker.py's scp_build. expensive additionally fetches the
// expensive/ executables directory, published only for builds with an
// expensive-category test.
func scpFetch(ctx context.Context, builderIP uint32, buildID int64, localDir string, expensive bool) error {
	addr := worker.BuilderAddr(builderIP)

	copy := func(src, dst string) error {
		dst = filepath.Join(localDir, dst)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		remote := fmt.Sprintf("azureuser@%s:/datadrive/nayduck/builds/%d/%s", addr, buildID, src)
		cmd := exec.CommandContext(ctx, "scp", "-o", "StrictHostKeyChecking=no", "-r", remote, dst)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("scp %s -> %s: %w: %s", remote, dst, err, out)
		}
		return nil
	}

	if err := copy("target/*", "target"); err != nil {
		return err
	}
	if err := copy("near-test-contracts/*", filepath.Join("runtime", "near-test-contracts", "res")); err != nil {
		return err
	}
	if !expensive {
		return nil
	}
	return copy("expensive/*", "expensive")
}
