// Package proxy writes per-tenant reverse proxy rules and reloads the proxy.
//
// When the validate command carries StagedPlaceholder, the full candidate
// rule set is assembled in a staging directory and validated there; the live
// directory changes only after validation passes. Without the placeholder
// the validation runs against the live tree and a failure restores the
// previous file before anything is reloaded.
package proxy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
)

const (
	stagingDir   = ".staging"
	candidateDir = "candidate"
	ruleExt      = ".conf"
	lockKey      = "proxy-routes"
)

// StagedPlaceholder in the validate command is replaced by the directory
// holding the candidate rule set.
const StagedPlaceholder = "{staged}"

var safeHandle = regexp.MustCompile(`^[a-z0-9]{1,63}$`)

// Locker serializes rule edits across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

type Options struct {
	ConfigDir       string
	ValidateCommand []string
	ReloadCommand   []string
	CommandTimeout  time.Duration
}

type Registrar struct {
	mu      sync.Mutex
	opts    Options
	runner  CommandRunner
	locker  Locker
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistrar builds a Registrar. locker may be nil when a single process
// owns the rule directory.
func NewRegistrar(opts Options, runner CommandRunner, locker Locker, log *zap.Logger, m *metrics.Metrics) *Registrar {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Registrar{opts: opts, runner: runner, locker: locker, log: log, metrics: m}
}

func (r *Registrar) rulePath(handle string) string {
	return filepath.Join(r.opts.ConfigDir, handle+ruleExt)
}

func (r *Registrar) acquire(ctx context.Context) (func(), error) {
	r.mu.Lock()
	if r.locker == nil {
		return r.mu.Unlock, nil
	}
	unlock, err := r.locker.Lock(ctx, lockKey)
	if err != nil {
		r.mu.Unlock()
		return nil, apperrors.External("lock_proxy_config", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlock(ctx); err != nil {
			r.log.Warn("failed to release proxy lock", zap.Error(err))
		}
		r.mu.Unlock()
	}, nil
}

// RegisterRoute installs or replaces the rule for route.Handle. Writing the
// same rule again is a no-op and does not reload the proxy.
func (r *Registrar) RegisterRoute(ctx context.Context, route Route) error {
	if !safeHandle.MatchString(route.Handle) {
		return apperrors.Validation("handle", "unsafe for a proxy rule name")
	}
	if route.Hostname == "" || route.Upstream == "" {
		return apperrors.Validation("hostname", "hostname and upstream are required")
	}
	content, err := render(route)
	if err != nil {
		return apperrors.External("register_route", err)
	}
	if err := checkStructure(content, route.Hostname); err != nil {
		return apperrors.External("register_route", errors.Wrap(err, "generated rule failed structural check"))
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	live := r.rulePath(route.Handle)
	prev, had, err := readIfExists(live)
	if err != nil {
		return apperrors.External("register_route", err)
	}
	if had && bytes.Equal(prev, content) {
		return nil
	}

	if err := r.commit(ctx, "register_route", route.Handle, content, prev, had); err != nil {
		return err
	}
	r.log.Info("proxy route registered",
		zap.String("handle", route.Handle),
		zap.String("hostname", route.Hostname),
		zap.String("upstream", route.Upstream),
	)
	return nil
}

// RemoveRoute deletes the rule for handle and reloads. A missing rule is not
// an error and does not trigger a reload.
func (r *Registrar) RemoveRoute(ctx context.Context, handle string) error {
	if !safeHandle.MatchString(handle) {
		return apperrors.Validation("handle", "unsafe for a proxy rule name")
	}
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	live := r.rulePath(handle)
	prev, had, err := readIfExists(live)
	if err != nil {
		return apperrors.External("remove_route", err)
	}
	if !had {
		return nil
	}
	if err := r.commit(ctx, "remove_route", handle, nil, prev, had); err != nil {
		return err
	}
	r.log.Info("proxy route removed", zap.String("handle", handle))
	return nil
}

func (r *Registrar) HasRoute(handle string) bool {
	_, err := os.Stat(r.rulePath(handle))
	return err == nil
}

// ListRoutes returns the handles that currently have a live rule.
func (r *Registrar) ListRoutes() ([]string, error) {
	entries, err := os.ReadDir(r.opts.ConfigDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list proxy rules")
	}
	var handles []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ruleExt) {
			continue
		}
		h := strings.TrimSuffix(name, ruleExt)
		if safeHandle.MatchString(h) {
			handles = append(handles, h)
		}
	}
	sort.Strings(handles)
	return handles, nil
}

// swapIn writes content to the staging directory and renames it over the
// live rule.
func (r *Registrar) swapIn(handle string, content []byte) error {
	staging := filepath.Join(r.opts.ConfigDir, stagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	staged := filepath.Join(staging, handle+ruleExt)
	if err := os.WriteFile(staged, content, 0o644); err != nil {
		return errors.Wrap(err, "write staged rule")
	}
	if err := os.Rename(staged, r.rulePath(handle)); err != nil {
		_ = os.Remove(staged)
		return errors.Wrap(err, "install rule")
	}
	return nil
}

// commit validates and installs content as the rule for handle, then
// reloads the proxy. Nil content removes the rule. A reload failure puts the
// previous rule back.
func (r *Registrar) commit(ctx context.Context, op, handle string, content, prev []byte, had bool) error {
	if r.stagedValidation() {
		if err := r.validateCandidate(ctx, handle, content); err != nil {
			return err
		}
		if err := r.install(handle, content); err != nil {
			return apperrors.External(op, err)
		}
	} else {
		if err := r.install(handle, content); err != nil {
			return apperrors.External(op, err)
		}
		if err := r.validate(ctx, handle, r.opts.ValidateCommand); err != nil {
			r.restore(handle, prev, had)
			return err
		}
	}

	if _, err := r.run(ctx, r.opts.ReloadCommand); err != nil {
		r.metrics.ProxyReload("failed")
		r.restore(handle, prev, had)
		return apperrors.External("reload_proxy", err)
	}
	r.metrics.ProxyReload("ok")
	return nil
}

func (r *Registrar) stagedValidation() bool {
	for _, arg := range r.opts.ValidateCommand {
		if strings.Contains(arg, StagedPlaceholder) {
			return true
		}
	}
	return false
}

func (r *Registrar) install(handle string, content []byte) error {
	if content != nil {
		return r.swapIn(handle, content)
	}
	if err := os.Remove(r.rulePath(handle)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove rule")
	}
	return nil
}

// validateCandidate copies the live rules into the candidate directory with
// handle's rule replaced by content and validates that set.
func (r *Registrar) validateCandidate(ctx context.Context, handle string, content []byte) error {
	dir := filepath.Join(r.opts.ConfigDir, stagingDir, candidateDir)
	if err := r.buildCandidate(dir, handle, content); err != nil {
		_ = os.RemoveAll(dir)
		return apperrors.External("stage_proxy_config", err)
	}
	defer os.RemoveAll(dir)

	argv := make([]string, len(r.opts.ValidateCommand))
	for i, arg := range r.opts.ValidateCommand {
		argv[i] = strings.ReplaceAll(arg, StagedPlaceholder, dir)
	}
	return r.validate(ctx, handle, argv)
}

func (r *Registrar) buildCandidate(dir, handle string, content []byte) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "clear candidate dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create candidate dir")
	}
	live, err := r.ListRoutes()
	if err != nil {
		return err
	}
	for _, h := range live {
		if h == handle {
			continue
		}
		b, err := os.ReadFile(r.rulePath(h))
		if err != nil {
			return errors.Wrapf(err, "read rule %s", h)
		}
		if err := os.WriteFile(filepath.Join(dir, h+ruleExt), b, 0o644); err != nil {
			return errors.Wrapf(err, "copy rule %s", h)
		}
	}
	if content != nil {
		if err := os.WriteFile(filepath.Join(dir, handle+ruleExt), content, 0o644); err != nil {
			return errors.Wrap(err, "write candidate rule")
		}
	}
	return nil
}

func (r *Registrar) validate(ctx context.Context, handle string, argv []string) error {
	out, err := r.run(ctx, argv)
	if err == nil {
		return nil
	}
	r.metrics.ProxyReload("invalid")
	r.log.Error("proxy config validation failed",
		zap.String("handle", handle), zap.ByteString("output", out), zap.Error(err))
	return apperrors.External("validate_proxy_config", err)
}

func (r *Registrar) restore(handle string, prev []byte, had bool) {
	var err error
	if had {
		err = r.swapIn(handle, prev)
	} else {
		err = os.Remove(r.rulePath(handle))
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		r.log.Error("failed to restore previous proxy rule", zap.String("handle", handle), zap.Error(err))
	}
}

func (r *Registrar) run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()
	return r.runner.Run(ctx, argv)
}

func readIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", path)
	}
	return b, true, nil
}
