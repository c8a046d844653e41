// Package orchestrator runs one build invocation: target selection, override
// resolution, manifest patching, the cargo build and restoration, in that order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mblsha/dxeforge/internal/builder"
	"github.com/mblsha/dxeforge/internal/config"
	"github.com/mblsha/dxeforge/internal/job"
	"github.com/mblsha/dxeforge/internal/manifest"
	"github.com/mblsha/dxeforge/internal/override"
	"github.com/mblsha/dxeforge/internal/patch"
	"github.com/mblsha/dxeforge/internal/store"
	"github.com/mblsha/dxeforge/internal/target"
)

// StageError tags an error with the pipeline stage it came from.
type StageError struct {
	Stage job.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage=%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Request struct {
	Target        string
	OverridePaths []string
	// DryRun builds are not recorded in history.
	DryRun bool
}

// Preflighter is implemented by builders that can reject a build before the
// manifest is touched.
type Preflighter interface {
	Preflight() error
}

type Orchestrator struct {
	Resolver *override.Resolver
	Patcher  *patch.Patcher
	Builder  builder.Builder
	// Store is optional; nil disables history.
	Store  *store.Store
	Logger *zap.Logger

	// OnEvent observes every state change.
	OnEvent func(job.Event)

	Now   func() time.Time
	NewID func() string

	seq int64
}

func New(cfg config.Config, b builder.Builder, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := patch.New(cfg.Manifest(), logger.Named("patch"), manifest.WithOverrideTable(cfg.OverrideTable))
	p.LockTimeout = cfg.LockTimeout
	o := &Orchestrator{
		Resolver: override.NewResolver(logger.Named("override")),
		Patcher:  p,
		Builder:  b,
		Logger:   logger,
	}
	if cfg.History {
		o.Store = store.New(cfg.HistoryDir(), 0)
	}
	return o
}

// Run executes one build. The returned record is always non-nil and terminal;
// a non-nil error is a *StageError.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*job.Record, error) {
	rec := job.New(o.newID(), o.now())
	rec.Target = req.Target
	logger := o.logger().With(zap.String("build_id", rec.ID), zap.String("target", req.Target))

	err := o.run(ctx, req, rec, logger)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			err = &StageError{Stage: job.StageBuild, Err: err}
			se = err.(*StageError)
		}
		if ferr := rec.MarkFailed(o.now(), se.Stage, se.Err); ferr != nil {
			logger.Error("record failure", zap.Error(ferr))
		}
		o.emit(rec)
		logger.Error("build failed", zap.String("stage", string(se.Stage)), zap.Error(se.Err))
	}

	if o.Store != nil && !req.DryRun {
		if serr := o.Store.Save(rec); serr != nil {
			logger.Warn("persist build record", zap.Error(serr))
		}
	}
	return rec, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, rec *job.Record, logger *zap.Logger) error {
	t, err := target.Parse(req.Target)
	if err != nil {
		return &StageError{Stage: job.StageParse, Err: err}
	}
	rec.Target = t.Name()
	if err := o.transition(rec, job.StateParsedTarget, t.String()); err != nil {
		return &StageError{Stage: job.StageParse, Err: err}
	}

	overrides, err := o.Resolver.Resolve(req.OverridePaths)
	if err != nil {
		return &StageError{Stage: job.StageResolve, Err: err}
	}
	for _, ov := range overrides {
		rec.Overrides = append(rec.Overrides, job.Override{Package: ov.Name, Path: ov.LocalPath})
	}
	if err := o.transition(rec, job.StateResolvedOverrides, fmt.Sprintf("%d override(s)", len(overrides))); err != nil {
		return &StageError{Stage: job.StageResolve, Err: err}
	}

	if pf, ok := o.Builder.(Preflighter); ok {
		if err := pf.Preflight(); err != nil {
			return &StageError{Stage: job.StageBuild, Err: err}
		}
	}

	session, err := o.Patcher.Acquire(ctx)
	if err != nil {
		return &StageError{Stage: job.StagePatch, Err: err}
	}
	err = o.buildLocked(ctx, session, t, overrides, rec, logger)
	if rerr := session.Release(); rerr != nil {
		if err == nil {
			return &StageError{Stage: job.StagePatch, Err: fmt.Errorf("release manifest lock: %w", rerr)}
		}
		logger.Warn("release manifest lock", zap.Error(rerr))
	}
	if err != nil {
		return err
	}

	if err := o.transition(rec, job.StateRestored, "manifest restored"); err != nil {
		return &StageError{Stage: job.StageRestore, Err: err}
	}
	if err := rec.MarkDone(o.now(), rec.ArtifactPath); err != nil {
		return &StageError{Stage: job.StageRestore, Err: err}
	}
	o.emit(rec)
	logger.Info("build done", zap.String("artifact", rec.ArtifactPath), zap.Duration("duration", rec.Duration()))
	return nil
}

func (o *Orchestrator) buildLocked(ctx context.Context, session *patch.Session, t target.Descriptor, overrides []manifest.Override, rec *job.Record, logger *zap.Logger) error {
	m, err := session.Load()
	if err != nil {
		var pe *manifest.ParseError
		if errors.As(err, &pe) {
			return &StageError{Stage: job.StageParse, Err: err}
		}
		return &StageError{Stage: job.StagePatch, Err: err}
	}
	for _, ov := range overrides {
		if _, ok := m.Dependency(ov.Name); !ok {
			logger.Warn("override is not a direct dependency of the workspace",
				zap.String("package", ov.Name),
				zap.String("path", ov.LocalPath))
		}
	}

	building := false
	err = session.WithPatch(ctx, m, overrides, func(ctx context.Context) error {
		if err := o.transition(rec, job.StatePatched, fmt.Sprintf("%s patched", o.Patcher.ManifestPath)); err != nil {
			return err
		}
		if err := o.transition(rec, job.StateBuilding, t.String()); err != nil {
			return err
		}
		building = true
		res, err := o.Builder.Build(ctx, t)
		exitCode := res.ExitCode
		rec.ExitCode = &exitCode
		rec.LogExcerpt = res.LogExcerpt
		rec.Diagnostics = res.Diagnostics
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New("build reported failure without an error")
		}
		rec.ArtifactPath = res.ArtifactPath
		return nil
	})
	if err == nil {
		return nil
	}

	var re *patch.RestorationError
	switch {
	case errors.As(err, &re):
		rec.ArtifactPath = ""
		return &StageError{Stage: job.StageRestore, Err: err}
	case building:
		rec.ArtifactPath = ""
		return &StageError{Stage: job.StageBuild, Err: err}
	default:
		return &StageError{Stage: job.StagePatch, Err: err}
	}
}

// Restore undoes a patch left behind by a killed build.
func (o *Orchestrator) Restore(ctx context.Context) (bool, error) {
	restored, err := o.Patcher.Recover(ctx)
	if err != nil {
		return restored, &StageError{Stage: job.StageRestore, Err: err}
	}
	return restored, nil
}

func (o *Orchestrator) transition(rec *job.Record, next job.State, message string) error {
	if err := rec.Transition(next, o.now(), message); err != nil {
		return err
	}
	o.emit(rec)
	return nil
}

func (o *Orchestrator) emit(rec *job.Record) {
	if o.OnEvent == nil {
		return
	}
	o.seq++
	o.OnEvent(job.Event{
		Seq:     o.seq,
		BuildID: rec.ID,
		State:   rec.State,
		Stage:   rec.Stage,
		Message: rec.Message,
		Error:   rec.Error,
		At:      rec.UpdatedAt,
	})
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// ExitCode maps an error from Run to the process exit status. A restoration
// failure wins over whatever else went wrong.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		restoreErr    *patch.RestorationError
		bootstrapErr  *builder.BootstrapError
		parseErr      *manifest.ParseError
		pathErr       *override.InvalidPathError
		conflictErr   *override.ConflictError
		tableConflict *manifest.ConflictError
		toolErr       *builder.ToolchainError
		artifactErr   *builder.ArtifactNotFoundError
	)
	switch {
	case errors.As(err, &restoreErr):
		return 6
	case errors.As(err, &bootstrapErr):
		return 7
	case errors.As(err, &pathErr), errors.As(err, &conflictErr), errors.As(err, &tableConflict):
		// Checked before parseErr: an unparseable override descriptor is an
		// override problem, not a workspace manifest problem.
		return 3
	case errors.As(err, &parseErr):
		return 2
	case errors.As(err, &toolErr):
		return 4
	case errors.As(err, &artifactErr):
		return 5
	default:
		return 1
	}
}
