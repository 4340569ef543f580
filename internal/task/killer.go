package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"regexp"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/utils"
)

var appIDPattern = regexp.MustCompile(`application_\d+_\d+`)

// JobKiller stops whatever a task started outside its worker.
type JobKiller interface {
	KillJob(ctx context.Context, ec *ExecutionContext) error
}

// CommandRunner runs one external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// YarnJobKiller kills the cluster applications a task submitted. Application
// ids are taken from the task's app link and its log file.
type YarnJobKiller struct {
	command  []string
	run      CommandRunner
	readFile func(string) ([]byte, error)
	log      *zap.Logger
}

// YarnOption configures a YarnJobKiller.
type YarnOption func(*YarnJobKiller)

// WithRunner replaces the command runner.
func WithRunner(run CommandRunner) YarnOption {
	return func(k *YarnJobKiller) { k.run = run }
}

// WithFileReader replaces how log files are read.
func WithFileReader(read func(string) ([]byte, error)) YarnOption {
	return func(k *YarnJobKiller) { k.readFile = read }
}

// NewYarnJobKiller creates a killer that runs command followed by one application id.
func NewYarnJobKiller(command []string, opts ...YarnOption) *YarnJobKiller {
	k := &YarnJobKiller{
		command:  command,
		run:      execRunner,
		readFile: os.ReadFile,
		log:      logger.Named("job-killer"),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// KillJob implements JobKiller. A task without application ids is a no-op.
func (k *YarnJobKiller) KillJob(ctx context.Context, ec *ExecutionContext) error {
	ids := k.ApplicationIDs(ec)
	if len(ids) == 0 {
		return nil
	}
	if len(k.command) == 0 {
		return errors.New("kill command not configured")
	}

	var errs error
	for _, id := range ids {
		args := append(append([]string{}, k.command[1:]...), id)
		out, err := k.run(ctx, k.command[0], args...)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kill %s: %w", id, err))
			continue
		}
		k.log.Info("external application killed",
			zap.Int64("task_instance_id", ec.TaskInstanceID),
			zap.String("application_id", id),
			zap.ByteString("output", out),
		)
	}
	return errs
}

// ApplicationIDs returns the distinct application ids referenced by the task.
func (k *YarnJobKiller) ApplicationIDs(ec *ExecutionContext) []string {
	ids := appIDPattern.FindAllString(ec.AppLink, -1)

	if utils.IsNotEmpty(ec.LogPath) {
		content, err := k.readFile(ec.LogPath)
		switch {
		case err == nil:
			ids = append(ids, appIDPattern.FindAllString(string(content), -1)...)
		case errors.Is(err, fs.ErrNotExist):
			k.log.Debug("task log not found", zap.String("path", ec.LogPath))
		default:
			k.log.Warn("read task log failed", zap.String("path", ec.LogPath), zap.Error(err))
		}
	}
	return slice.Unique(ids)
}

// NopJobKiller kills nothing.
type NopJobKiller struct{}

func (NopJobKiller) KillJob(context.Context, *ExecutionContext) error {
	return nil
}
