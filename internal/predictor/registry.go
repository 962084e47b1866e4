// Package predictor serves trained classifiers: it holds the loaded units,
// resolves which unit answers a request and classifies single records.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/raaihank/ad-sentinel/internal/artifact"
	"github.com/raaihank/ad-sentinel/internal/classifier"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/dpi"
	"github.com/raaihank/ad-sentinel/internal/experiment"
	"github.com/raaihank/ad-sentinel/internal/features"
	"github.com/raaihank/ad-sentinel/internal/flow"
	"github.com/raaihank/ad-sentinel/internal/privacy"
	"go.uber.org/zap"
)

// Registry holds the loaded units and one searcher shared by all of them.
// The searcher is initialised with every vocabulary term and every known
// sensitive value, so a single pass over a payload serves any unit.
type Registry struct {
	platform string
	general  string
	engine   string
	detector *privacy.Detector
	logger   *zap.Logger

	mu       sync.RWMutex
	units    map[string]*Unit
	searcher dpi.Searcher
	patterns int
}

// NewRegistry creates an empty registry. The general fallback unit is
// "<general group>_<platform>".
func NewRegistry(data config.DataConfig, engine string, detector *privacy.Detector, logger *zap.Logger) (*Registry, error) {
	searcher, err := dpi.New(engine)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		platform: data.Platform,
		general:  flow.UnitName(data.GeneralGroup, data.Platform),
		engine:   engine,
		detector: detector,
		logger:   logger,
		units:    make(map[string]*Unit),
		searcher: searcher,
	}
	r.mu.Lock()
	r.rebuild()
	r.mu.Unlock()
	return r, nil
}

// GeneralUnit returns the name of the fallback unit.
func (r *Registry) GeneralUnit() string {
	return r.general
}

// Add registers a unit, replacing any unit of the same name. The model must
// have been trained on the schema's layout.
func (r *Registry) Add(schema *features.Schema, model classifier.Model) error {
	variant, err := features.LookupVariant(schema.Variant)
	if err != nil {
		return fmt.Errorf("unit %s: %w", schema.Name, err)
	}
	if err := schema.Check(model.Width()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[schema.Name] = &Unit{Schema: schema, Variant: variant, Model: model}
	r.rebuild()

	r.logger.Info("Classifier loaded",
		zap.String("domain_os", schema.Name),
		zap.String("variant", schema.Variant),
		zap.Int("width", schema.Width()),
		zap.Int("patterns", r.patterns))
	return nil
}

// Lookup resolves the unit that answers for domainOS: the unit itself when
// loaded, otherwise the general unit. The boolean reports the fallback.
func (r *Registry) Lookup(domainOS string) (*Unit, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(domainOS)
}

func (r *Registry) lookup(domainOS string) (*Unit, bool, error) {
	if u, ok := r.units[domainOS]; ok {
		return u, false, nil
	}
	if u, ok := r.units[r.general]; ok {
		return u, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrNoClassifier, domainOS)
}

// Units lists the loaded units by name.
func (r *Registry) Units() []UnitInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UnitInfo, 0, len(r.units))
	for name, u := range r.units {
		out = append(out, UnitInfo{
			Name:        name,
			Variant:     u.Schema.Variant,
			Width:       u.Schema.Width(),
			Terms:       u.Schema.Vocabulary.Len(),
			Fingerprint: u.Schema.Fingerprint(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of loaded units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// AddKnownValues extends the known sensitive values and, when any are new,
// re-initialises the shared searcher. It returns the number added.
func (r *Registry) AddKnownValues(values []string) int {
	added := r.detector.AddKnownValues(values)
	if added > 0 {
		r.mu.Lock()
		r.rebuild()
		r.mu.Unlock()
	}
	return added
}

// rebuild swaps in a fresh searcher. Searches already holding the previous
// searcher finish on it. Callers hold the write lock.
func (r *Registry) rebuild() {
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]struct{})
	var patterns []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	for _, name := range names {
		for _, term := range r.units[name].Schema.Vocabulary.Terms() {
			add(term)
		}
	}
	for _, v := range r.detector.KnownValues() {
		add(v)
	}

	// the engine was validated in NewRegistry
	searcher, _ := dpi.New(r.engine)
	searcher.Init(patterns)
	r.searcher = searcher
	r.patterns = len(patterns)
}

// LoadDir loads every schema stored under dir together with its model.
// When verify is set, a schema whose published fingerprint differs from the
// stored one is rejected; units the source does not know are loaded as is.
// Failing units are logged and reported in the returned error; the others
// stay loaded.
func (r *Registry) LoadDir(ctx context.Context, dir string, loader ModelLoader, verify FingerprintSource) (int, error) {
	paths, err := filepath.Glob(experiment.SchemaPath(dir, "*"))
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	var (
		loaded int
		errs   []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		schema := &features.Schema{}
		if err := artifact.ReadJSON(path, schema); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if verify != nil {
			fp, err := verify.Fingerprint(ctx, schema.Name)
			switch {
			case err != nil:
				r.logger.Debug("Schema not verified", zap.String("domain_os", schema.Name), zap.Error(err))
			case fp != schema.Fingerprint():
				errs = append(errs, fmt.Errorf("%w: %s was published with fingerprint %s",
					features.ErrSchemaMismatch, schema.Name, fp))
				continue
			}
		}
		if err := r.load(ctx, schema, loader); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}

	for _, err := range errs {
		r.logger.Error("Failed to load classifier", zap.Error(err))
	}
	return loaded, errors.Join(errs...)
}

// LoadSource loads every schema published in src together with its model.
func (r *Registry) LoadSource(ctx context.Context, src SchemaSource, loader ModelLoader) (int, error) {
	units, err := src.Units(ctx)
	if err != nil {
		return 0, err
	}

	var (
		loaded int
		errs   []error
	)
	for _, name := range units {
		schema, err := src.Fetch(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := r.load(ctx, schema, loader); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}

	for _, err := range errs {
		r.logger.Error("Failed to load classifier", zap.Error(err))
	}
	return loaded, errors.Join(errs...)
}

func (r *Registry) load(ctx context.Context, schema *features.Schema, loader ModelLoader) error {
	model, err := loader.Load(ctx, schema)
	if err != nil {
		return fmt.Errorf("%s: %w", schema.Name, err)
	}
	return r.Add(schema, model)
}
