package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// Optimize relaxes atomic positions with BFGS at fixed cell and writes
// <stem>_optimized.cif to the data directory.
func (t *Toolbox) Optimize(ctx context.Context, args registry.Args) (registry.Result, error) {
	path, err := requireArg(args, "structure", OpOptimize)
	if err != nil {
		return registry.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return registry.Result{}, err
	}
	s, flagged := t.readStructure(path)
	if flagged != nil {
		return *flagged, nil
	}
	cell, err := s.Cell()
	if err != nil {
		return registry.Flagged(CategoryParse, err.Error(), map[string]any{"cif_filepath": path}), nil
	}

	pot := newPairPotential(s, cell)
	x0 := s.Cartesian(cell)
	initial := pot.Energy(x0)

	settings := &optimize.Settings{
		MajorIterations:   t.config.MaxSteps,
		GradientThreshold: t.config.Fmax,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-12, Iterations: t.config.MaxSteps},
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			settings.Runtime = remaining
		}
	}
	problem := optimize.Problem{Func: pot.Energy, Grad: pot.Gradient}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return registry.Result{}, ctxErr
	}
	if result == nil {
		return registry.Flagged(CategoryNonConvergence, fmt.Sprintf("optimization failed: %v", err),
			map[string]any{"cif_filepath": path, "initial_energy_ev": initial}), nil
	}

	grad := make([]float64, len(result.X))
	pot.Gradient(grad, result.X)
	final := pot.Energy(result.X)
	force := maxForce(grad)
	steps := result.Stats.MajorIterations

	t.logger.Debug("optimization finished",
		zap.String("path", path),
		zap.String("status", result.Status.String()),
		zap.Int("steps", steps),
		zap.Float64("max_force", force))

	if force > t.config.Fmax {
		msg := fmt.Sprintf("max force %.4g eV/Å above %.4g after %d steps (%s)", force, t.config.Fmax, steps, result.Status)
		if err != nil {
			msg += ": " + err.Error()
		}
		return registry.Flagged(CategoryNonConvergence, msg, map[string]any{
			"cif_filepath":      path,
			"initial_energy_ev": initial,
			"final_energy_ev":   final,
			"n_steps":           steps,
			"converged":         false,
		}), nil
	}

	dir, err := t.dataDir()
	if err != nil {
		return registry.Flagged(CategoryIO, err.Error(), map[string]any{"cif_filepath": path}), nil
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(dir, stem+"_optimized.cif")
	if err := WriteCIF(out, s.WithCartesian(cell, result.X)); err != nil {
		return registry.Flagged(CategoryIO, fmt.Sprintf("writing %s: %v", out, err), map[string]any{"cif_filepath": path}), nil
	}

	return registry.Succeeded(map[string]any{
		"optimized_cif_filepath": out,
		"initial_energy_ev":      initial,
		"final_energy_ev":        final,
		"energy_change_ev":       final - initial,
		"n_steps":                steps,
		"converged":              true,
	}), nil
}

// Energy evaluates the potential energy and forces of a structure.
func (t *Toolbox) Energy(_ context.Context, args registry.Args) (registry.Result, error) {
	path, err := requireArg(args, "structure", OpEnergy)
	if err != nil {
		return registry.Result{}, err
	}
	s, flagged := t.readStructure(path)
	if flagged != nil {
		return *flagged, nil
	}
	cell, err := s.Cell()
	if err != nil {
		return registry.Flagged(CategoryParse, err.Error(), map[string]any{"cif_filepath": path}), nil
	}

	pot := newPairPotential(s, cell)
	x := s.Cartesian(cell)
	grad := make([]float64, len(x))
	pot.Gradient(grad, x)

	return registry.Succeeded(map[string]any{
		"energy_ev":        pot.Energy(x),
		"max_force_ev_ang": maxForce(grad),
		"n_atoms":          len(s.Atoms),
		"cif_filepath":     path,
	}), nil
}
