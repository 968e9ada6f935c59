package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/agents"
	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/mofsci/internal/tools"

// Operation names.
const (
	OpSearch   = "search_mof_db"
	OpOptimize = "optimize_structure"
	OpEnergy   = "calculate_energy_force"
)

// Flagged result categories.
const (
	CategoryNotFound       = "not_found"
	CategoryNonConvergence = "non_convergence"
	CategoryIO             = "io_error"
	CategoryParse          = "parse_error"
)

// Config configures the scientific operations.
type Config struct {
	// DataDir receives generated and optimized structure files (default: ./data)
	DataDir string

	// CatalogPath overrides the embedded structure catalog
	CatalogPath string

	// MaxSteps bounds the optimizer's major iterations (default: 200)
	MaxSteps int

	// Fmax is the force convergence threshold in eV/Å (default: 0.05)
	Fmax float64
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{DataDir: "./data", MaxSteps: 200, Fmax: 0.05}
}

// ConfigFrom maps the tools section of the application config.
func ConfigFrom(c config.ToolsConfig) Config {
	cfg := DefaultConfig()
	if c.DataDir != "" {
		cfg.DataDir = c.DataDir
	}
	cfg.CatalogPath = c.CatalogPath
	if c.OptimizerMaxSteps > 0 {
		cfg.MaxSteps = c.OptimizerMaxSteps
	}
	if c.OptimizerFmax > 0 {
		cfg.Fmax = c.OptimizerFmax
	}
	return cfg
}

// Toolbox implements the registered operations.
type Toolbox struct {
	config  Config
	catalog *Catalog
	logger  *zap.Logger
	calls   metric.Int64Counter
}

// New loads the catalog and prepares the operations.
func New(cfg Config, logger *zap.Logger) (*Toolbox, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.Fmax <= 0 {
		cfg.Fmax = DefaultConfig().Fmax
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	calls, err := otel.Meter(instrumentationName).Int64Counter(
		"mofsci.tools.calls",
		metric.WithDescription("Number of scientific operation calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating call counter: %w", err)
	}

	return &Toolbox{config: cfg, catalog: catalog, logger: logger, calls: calls}, nil
}

// Catalog returns the loaded structure catalog.
func (t *Toolbox) Catalog() *Catalog {
	return t.catalog
}

var structureSources = []registry.Source{
	registry.FromOutput("optimized_cif_filepath"),
	registry.FromOutput("cif_filepath"),
	registry.FromRequest(registry.RequestStructure),
}

// Operations returns the operation contracts backed by t.
func (t *Toolbox) Operations() []registry.Operation {
	return []registry.Operation{
		{
			Name:        OpSearch,
			Description: "Search the MOF catalog by name, formula, metal or property keywords and fetch its structure file",
			Inputs: []registry.Input{
				{Key: "query", Required: true, Sources: []registry.Source{registry.FromRequest(registry.RequestText)}},
			},
			Outputs:    []string{"name", "formula", "description", "surface_area_m2g", "pore_volume_cm3g", "cif_filepath", "tags", "match_score"},
			Idempotent: true,
			Run:        t.instrument(OpSearch, t.Search),
		},
		{
			Name:        OpOptimize,
			Description: "Relax atomic positions of a structure at fixed cell until forces fall below the threshold",
			Inputs: []registry.Input{
				{Key: "structure", Required: true, Sources: structureSources},
			},
			Outputs:    []string{"optimized_cif_filepath", "initial_energy_ev", "final_energy_ev", "energy_change_ev", "n_steps", "converged"},
			Idempotent: true,
			Retryable:  true,
			Run:        t.instrument(OpOptimize, t.Optimize),
		},
		{
			Name:        OpEnergy,
			Description: "Compute the potential energy and maximum atomic force of a structure",
			Inputs: []registry.Input{
				{Key: "structure", Required: true, Sources: structureSources},
			},
			Outputs:    []string{"energy_ev", "max_force_ev_ang", "n_atoms", "cif_filepath"},
			Idempotent: true,
			Run:        t.instrument(OpEnergy, t.Energy),
		},
	}
}

// KeywordRules maps request wording to operations for planning without a
// model.
func KeywordRules() []agents.KeywordRule {
	return []agents.KeywordRule{
		{Operation: OpSearch, Keywords: []string{"find", "search", "look up", "lookup", "catalog", "database", "retrieve"}},
		{Operation: OpOptimize, Keywords: []string{"optimi", "relax", "minimi", "geometry"}},
		{Operation: OpEnergy, Keywords: []string{"energy", "energies", "force"}},
	}
}

// NewRegistry builds the registry of scientific operations.
func NewRegistry(cfg Config, logger *zap.Logger) (*registry.Registry, error) {
	tb, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return registry.New(tb.Operations()...)
}

func (t *Toolbox) instrument(name string, fn registry.Func) registry.Func {
	return func(ctx context.Context, args registry.Args) (registry.Result, error) {
		res, err := fn(ctx, args)
		status := "success"
		switch {
		case err != nil:
			status = "error"
		case !res.Success:
			status = res.ErrorCategory
		}
		t.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", name),
			attribute.String("status", status),
		))
		t.logger.Debug("operation finished",
			zap.String("operation", name),
			zap.String("status", status))
		return res, err
	}
}

func (t *Toolbox) dataDir() (string, error) {
	if err := os.MkdirAll(t.config.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return t.config.DataDir, nil
}

// ErrOutsideDataDir marks structure paths that resolve outside the data
// directory.
var ErrOutsideDataDir = errors.New("structure path is outside the data directory")

// openInDataDir opens path through an os.Root on the data directory, so
// neither ".." nor symlinks reach other files. Relative paths resolve
// against the working directory, like the paths search_mof_db returns.
func openInDataDir(dataDir, path string) (*os.File, error) {
	dir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, ErrOutsideDataDir
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.Open(rel)
}

// readStructure reads a structure from the data directory and classifies
// failures into flagged categories.
func (t *Toolbox) readStructure(path string) (*Structure, *registry.Result) {
	s, err := t.parseStructure(path)
	if err == nil {
		return s, nil
	}
	category := CategoryIO
	if errors.Is(err, ErrCIFParse) {
		category = CategoryParse
	}
	res := registry.Flagged(category, fmt.Sprintf("reading %s: %v", path, err), map[string]any{"cif_filepath": path})
	return nil, &res
}

func (t *Toolbox) parseStructure(path string) (*Structure, error) {
	f, err := openInDataDir(t.config.DataDir, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCIF(f)
}

// ImportStructure copies a local structure file into the data directory so
// the operations can read it, and returns the copy's path.
func ImportStructure(cfg Config, src string) (string, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening structure: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	dst := filepath.Join(cfg.DataDir, filepath.Base(src))
	if same, err := filepath.Abs(src); err == nil {
		if absDst, err := filepath.Abs(dst); err == nil && same == absDst {
			return dst, nil
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copying structure: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("copying structure: %w", err)
	}
	return dst, nil
}

func requireArg(args registry.Args, key, op string) (string, error) {
	v := args.String(key)
	if v == "" {
		return "", fmt.Errorf("%s: missing argument %q", op, key)
	}
	return v, nil
}
