// Package tasks runs the pre, post and error task lists of a transfer rule.
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"filerelay/models"
)

// ErrUnknownTask indicates a task type with no implementation.
var ErrUnknownTask = errors.New("tasks: unknown task type")

// Context is what a task can see of the transfer it runs for.
type Context struct {
	Record models.TransferRecord
	// Path is the local file the transfer reads or produces.
	Path string
}

// templateData is exposed to task argument templates.
type templateData struct {
	ID       string
	Filename string
	Path     string
	Dir      string
	Rule     string
	Peer     string
	Rank     int
	FileSize int64
}

// Executor runs task lists. The zero value is ready to use.
type Executor struct {
	// Local is this host's id, used to name the peer in templates.
	Local string
}

// Run executes tasks in order and stops at the first failure. A failure is
// classified TaskFailure.
func (e *Executor) Run(ctx context.Context, list []models.Task, tc Context) error {
	for i, task := range list {
		if err := ctx.Err(); err != nil {
			return models.Wrap(models.CodeTaskFailure, err)
		}
		logger := log.WithFields(log.Fields{
			"transfer_id": tc.Record.ID,
			"task":        task.Type,
			"index":       i,
		})

		err := e.runOne(ctx, task, tc, logger)
		if err != nil {
			logger.WithError(err).Warn("task failed")
			return models.Wrap(models.CodeTaskFailure, fmt.Errorf("task %d (%s): %w", i, task.Type, err))
		}
		logger.Debug("task done")
	}
	return nil
}

func (e *Executor) runOne(ctx context.Context, task models.Task, tc Context, logger *log.Entry) error {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	args, err := e.render(task.Args, tc)
	if err != nil {
		return err
	}

	switch task.Type {
	case models.TaskLog:
		logger.Info(args)
		return nil
	case models.TaskExec:
		return runExec(ctx, args, logger)
	case models.TaskCopy:
		_, err := copyInto(tc.Path, args)
		return err
	case models.TaskMove:
		return moveInto(tc.Path, args)
	case models.TaskCompress:
		dst, err := compressInto(tc.Path, args)
		if err != nil {
			return err
		}
		logger.WithField("archive", dst).Info("compressed file")
		return nil
	case models.TaskDelete:
		target := tc.Path
		if args != "" {
			target = args
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", target, err)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownTask, task.Type)
	}
}

func (e *Executor) render(text string, tc Context) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("task").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse task args: %w", err)
	}
	data := templateData{
		ID:       tc.Record.ID,
		Filename: tc.Record.Filename,
		Path:     tc.Path,
		Dir:      filepath.Dir(tc.Path),
		Rule:     tc.Record.RuleID,
		Peer:     tc.Record.Peer(e.Local),
		Rank:     tc.Record.Rank,
		FileSize: tc.Record.FileSize,
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render task args: %w", err)
	}
	return out.String(), nil
}

func runExec(ctx context.Context, command string, logger *log.Entry) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errors.New("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		logger.WithField("output", strings.TrimSpace(string(output))).Debug("exec output")
	}
	if err != nil {
		return fmt.Errorf("exec %s: %w", fields[0], err)
	}
	return nil
}

func copyInto(src, dir string) (string, error) {
	if dir == "" {
		return "", errors.New("copy: destination directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("copy: create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("copy: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("copy: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy: write %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy: sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("copy: close %s: %w", dst, err)
	}
	return dst, nil
}

// compressInto writes src gzipped to dir/<base>.gz, next to src when dir is empty.
func compressInto(src, dir string) (string, error) {
	if dir == "" {
		dir = filepath.Dir(src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("compress: create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(src)+".gz")

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("compress: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("compress: create %s: %w", dst, err)
	}
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		_ = out.Close()
		return "", fmt.Errorf("compress: gzip writer: %w", err)
	}
	gz.Name = filepath.Base(src)
	if _, err := io.Copy(gz, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("compress: write %s: %w", dst, err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("compress: finalize %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("compress: sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("compress: close %s: %w", dst, err)
	}
	return dst, nil
}

func moveInto(src, dir string) error {
	if dir == "" {
		return errors.New("move: destination directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("move: create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems.
	if _, err := copyInto(src, dir); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("move: remove %s: %w", src, err)
	}
	return nil
}
