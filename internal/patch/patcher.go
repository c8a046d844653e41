// Package patch applies local overrides to a manifest for the duration of one
// build and guarantees the persisted bytes are put back afterwards.
package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/mblsha/dxeforge/internal/manifest"
)

const (
	lockSuffix   = ".dxeforge.lock"
	backupSuffix = ".dxeforge-backup"
)

var (
	ErrManifestChanged = errors.New("manifest changed on disk since it was loaded")
	ErrDigestMismatch  = errors.New("restored manifest does not match snapshot")
)

// RestorationError means the persisted manifest may still carry overrides.
type RestorationError struct {
	Path       string
	BackupPath string
	Err        error
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("restore manifest %s: %v (original bytes kept in %s)", e.Path, e.Err, e.BackupPath)
}

func (e *RestorationError) Unwrap() error { return e.Err }

type Patcher struct {
	ManifestPath string
	LockTimeout  time.Duration
	Logger       *zap.Logger

	loadOpts []manifest.Option
}

// New patches the file manifestPath refers to. A symlinked manifest is
// resolved so that patch and restore replace the target, not the link.
func New(manifestPath string, logger *zap.Logger, opts ...manifest.Option) *Patcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolved, err := filepath.EvalSymlinks(manifestPath); err == nil {
		manifestPath = resolved
	}
	return &Patcher{ManifestPath: manifestPath, Logger: logger, loadOpts: opts}
}

func (p *Patcher) LockPath() string   { return p.ManifestPath + lockSuffix }
func (p *Patcher) BackupPath() string { return p.ManifestPath + backupSuffix }

// Session holds the manifest lock. Everything that reads or writes the manifest
// during a build happens through one session.
type Session struct {
	p    *Patcher
	lock *fileLock
}

// Acquire takes the manifest lock, first undoing any patch left by a killed run.
func (p *Patcher) Acquire(ctx context.Context) (*Session, error) {
	if p.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.LockTimeout)
		defer cancel()
	}
	lock, err := acquireLock(ctx, p.LockPath())
	if err != nil {
		return nil, err
	}
	if _, err := p.recoverBackup(); err != nil {
		_ = lock.release()
		return nil, err
	}
	return &Session{p: p, lock: lock}, nil
}

func (s *Session) Release() error {
	return s.lock.release()
}

func (s *Session) Load() (*manifest.Manifest, error) {
	return manifest.LoadFile(s.p.ManifestPath, s.p.loadOpts...)
}

// WithPatch persists m with overrides applied, runs op, and writes the original
// bytes back on every exit path before returning op's outcome. With no overrides
// op runs against the untouched manifest and nothing is written.
func (s *Session) WithPatch(ctx context.Context, m *manifest.Manifest, overrides []manifest.Override, op func(context.Context) error) (err error) {
	if len(overrides) == 0 {
		return op(ctx)
	}
	p := s.p
	path := p.ManifestPath

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	snapshot, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot manifest: %w", err)
	}
	if !bytes.Equal(snapshot, m.Serialize()) {
		return ErrManifestChanged
	}
	patched, err := m.ApplyOverrides(overrides)
	if err != nil {
		return err
	}
	digest := blake3.Sum256(snapshot)
	mode := fi.Mode().Perm()

	if err := writeFileAtomic(p.BackupPath(), snapshot, mode); err != nil {
		return fmt.Errorf("write manifest backup: %w", err)
	}

	defer func() {
		r := recover()
		if rerr := p.restore(snapshot, digest, mode); rerr != nil {
			p.Logger.Error("manifest restoration failed", zap.String("manifest", path), zap.Error(rerr))
			err = errors.Join(err, rerr)
		} else {
			p.Logger.Debug("manifest restored", zap.String("manifest", path))
		}
		if r != nil {
			panic(r)
		}
	}()

	if err := writeFileAtomic(path, patched.Serialize(), mode); err != nil {
		return fmt.Errorf("write patched manifest: %w", err)
	}
	p.Logger.Info("manifest patched", zap.String("manifest", path), zap.Int("overrides", len(overrides)))
	return op(ctx)
}

// WithPatch is the single-call form: acquire, patch, run, restore, release.
func (p *Patcher) WithPatch(ctx context.Context, m *manifest.Manifest, overrides []manifest.Override, op func(context.Context) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Release())
	}()
	return s.WithPatch(ctx, m, overrides, op)
}

// Recover restores a manifest left patched by a killed build. It reports whether
// anything was restored.
func (p *Patcher) Recover(ctx context.Context) (bool, error) {
	if p.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.LockTimeout)
		defer cancel()
	}
	lock, err := acquireLock(ctx, p.LockPath())
	if err != nil {
		return false, err
	}
	recovered, err := p.recoverBackup()
	return recovered, errors.Join(err, lock.release())
}

func (p *Patcher) recoverBackup() (bool, error) {
	backup, err := os.ReadFile(p.BackupPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &RestorationError{Path: p.ManifestPath, BackupPath: p.BackupPath(), Err: err}
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(p.ManifestPath); err == nil {
		mode = fi.Mode().Perm()
	}
	p.Logger.Warn("restoring manifest left patched by an interrupted build",
		zap.String("manifest", p.ManifestPath),
		zap.String("backup", p.BackupPath()))
	if err := p.restore(backup, blake3.Sum256(backup), mode); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Patcher) restore(snapshot []byte, digest [32]byte, mode os.FileMode) error {
	path := p.ManifestPath
	if err := writeFileAtomic(path, snapshot, mode); err != nil {
		return &RestorationError{Path: path, BackupPath: p.BackupPath(), Err: err}
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		return &RestorationError{Path: path, BackupPath: p.BackupPath(), Err: err}
	}
	if blake3.Sum256(onDisk) != digest {
		return &RestorationError{Path: path, BackupPath: p.BackupPath(), Err: ErrDigestMismatch}
	}
	if err := os.Remove(p.BackupPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.Logger.Warn("could not remove manifest backup", zap.String("backup", p.BackupPath()), zap.Error(err))
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
