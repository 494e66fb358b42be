package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/validation"
)

// stderrTailBytes bounds how much extractor output is kept for error
// reporting.
const stderrTailBytes = 2048

// ErrTimeout marks extractions that were killed for exceeding the
// configured timeout. The item stays retryable.
var ErrTimeout = errors.New("extraction timed out")

// Request describes one extraction: a single media URL into a single
// target file.
type Request struct {
	MediaURL  string
	Title     string
	ItemID    string
	Published time.Time
	TargetDir string
	Profile   string
	ExtraArgs []string
}

// Runner invokes the external media-extraction tool as an isolated
// subprocess, one invocation per item.
type Runner struct {
	binary   string
	timeout  time.Duration
	fileMode os.FileMode
	registry *ProfileRegistry
	dirs     *validation.TargetDirValidator
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	registry, err := NewProfileRegistry()
	if err != nil {
		return nil, err
	}

	return &Runner{
		binary:   cfg.Extractor.Binary,
		timeout:  cfg.Extractor.Timeout,
		fileMode: os.FileMode(cfg.Output.FileMode),
		registry: registry,
		dirs:     validation.NewTargetDirValidator(),
	}, nil
}

// OutputPath builds the target file name for an item:
// <dir>/<YYYY-MM-DD> - <title> [<id>].<ext>
// The date prefix keeps listings chronological; the trailing ID keeps
// names unique when titles collide.
func OutputPath(targetDir string, published time.Time, title, itemID, ext string) string {
	name := fmt.Sprintf("%s - %s [%s].%s",
		published.Format("2006-01-02"),
		validation.SanitizeFilename(title),
		validation.SanitizeFilename(itemID),
		ext,
	)
	return filepath.Join(targetDir, name)
}

// Extract downloads one item and returns the path of the produced file.
// On any failure, including cancellation and timeout, partial files are
// removed before returning so a retry starts clean.
func (r *Runner) Extract(ctx context.Context, req Request) (string, error) {
	profile, err := r.registry.Get(req.Profile)
	if err != nil {
		return "", err
	}

	targetDir, err := r.dirs.EnsureDirectory(req.TargetDir)
	if err != nil {
		return "", fmt.Errorf("preparing target directory: %w", err)
	}

	outPath := OutputPath(targetDir, req.Published, req.Title, req.ItemID, profile.Ext)

	args := make([]string, 0, len(profile.Args)+len(req.ExtraArgs)+3)
	args = append(args, profile.Args...)
	args = append(args, req.ExtraArgs...)
	args = append(args, "--output", outPath, req.MediaURL)

	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		r.removePartials(outPath)

		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, req.MediaURL)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("extractor failed for %s: %v: %s", req.MediaURL, runErr, tail(stderr.Bytes()))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", fmt.Errorf("extractor reported success but %s is missing: %w", outPath, err)
	}
	if info.Size() == 0 {
		r.removePartials(outPath)
		return "", fmt.Errorf("extractor produced an empty file for %s", req.MediaURL)
	}

	if err := os.Chmod(outPath, r.fileMode); err != nil {
		// Permissions are best effort; the download itself succeeded.
		return outPath, nil
	}

	return outPath, nil
}

// removePartials deletes the output file and any sibling temp files the
// tool may have left (.part, .ytdl, format fragments).
func (r *Runner) removePartials(outPath string) {
	pattern := escapeGlob(outPath) + "*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, match := range matches {
		os.Remove(match)
	}
}

// escapeGlob neutralizes glob metacharacters in a literal path. Titles
// regularly contain brackets, which are meaningful to filepath.Glob.
func escapeGlob(path string) string {
	var b bytes.Buffer
	for _, r := range path {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func tail(out []byte) []byte {
	if len(out) <= stderrTailBytes {
		return bytes.TrimSpace(out)
	}
	return bytes.TrimSpace(out[len(out)-stderrTailBytes:])
}
