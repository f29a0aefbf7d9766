// Package artifact persists compiler outputs to a local directory or an
// S3-compatible bucket.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Store persists run outputs addressed by run ID and slash-separated path.
type Store interface {
	Put(ctx context.Context, runID, path string, content []byte) error
	Get(ctx context.Context, runID, path string) ([]byte, error)
	GetURL(ctx context.Context, runID, path string) (string, error)
	List(ctx context.Context, runID string) ([]string, error)
}

var ErrNotFound = errors.New("artifact not found")

func checkRunID(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if strings.Contains(runID, "..") || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("invalid run_id: %s", runID)
	}
	return runID, nil
}

// checkKey validates and normalises a (runID, path) pair.
func checkKey(runID, p string) (string, string, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return "", "", err
	}
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p == "" {
		return "", "", fmt.Errorf("path is required")
	}
	if strings.Contains(p, "..") {
		return "", "", fmt.Errorf("invalid path: %s", p)
	}
	return runID, path.Clean(p), nil
}
