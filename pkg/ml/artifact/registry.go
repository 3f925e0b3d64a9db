package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/pipeline"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const registryFile = "registry.yaml"

type registryDoc struct {
	Current   string     `yaml:"current"`
	Artifacts []Artifact `yaml:"artifacts"`
}

// Registry indexes artifacts by run id and records which one is current.
// Without a registry file, the newest best_model file on disk by run id is
// current.
type Registry struct {
	dir string
	mu  sync.Mutex
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) Dir() string { return r.dir }

// Save writes p as the run's artifact and promotes it to current.
func (r *Registry) Save(runID string, p *pipeline.Pipeline, now time.Time) (Artifact, error) {
	a, err := Write(r.dir, runID, p, now)
	if err != nil {
		return Artifact{}, err
	}
	if err := r.Promote(a); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Promote records a and makes it current. Re-promoting a run id replaces
// its previous entry.
func (r *Registry) Promote(a Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return err
	}
	kept := doc.Artifacts[:0]
	for _, e := range doc.Artifacts {
		if e.RunID != a.RunID {
			kept = append(kept, e)
		}
	}
	doc.Artifacts = append(kept, a)
	doc.Current = a.RunID
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode registry")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(r.dir, registryFile), data)
}

// Current returns the current best artifact, or storage.ErrNotFound.
func (r *Registry) Current() (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return Artifact{}, err
	}
	if doc.Current != "" {
		for _, a := range doc.Artifacts {
			if a.RunID == doc.Current {
				return a, nil
			}
		}
		return Artifact{}, errors.Wrapf(storage.ErrNotFound, "current run %s has no registered artifact", doc.Current)
	}
	found, err := r.scan()
	if err != nil {
		return Artifact{}, err
	}
	if len(found) == 0 {
		return Artifact{}, errors.Wrapf(storage.ErrNotFound, "no best model artifact in %s", r.dir)
	}
	return found[len(found)-1], nil
}

// List returns registered artifacts ordered by run id.
func (r *Registry) List() ([]Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	out := append([]Artifact(nil), doc.Artifacts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// Load resolves the current artifact and opens its pipeline.
func (r *Registry) Load() (Artifact, *pipeline.Pipeline, error) {
	a, err := r.Current()
	if err != nil {
		return Artifact{}, nil, err
	}
	p, err := Open(r.dir, a)
	if err != nil {
		return Artifact{}, nil, err
	}
	return a, p, nil
}

func (r *Registry) read() (registryDoc, error) {
	var doc registryDoc
	data, err := os.ReadFile(filepath.Join(r.dir, registryFile))
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, errors.Wrap(err, "read registry")
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, errors.Wrap(err, "decode registry")
	}
	return doc, nil
}

// scan lists unregistered artifact files sorted by run id, then file name.
func (r *Registry) scan() ([]Artifact, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list artifact directory")
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		model, runID, ok := parseName(e.Name())
		if !ok {
			continue
		}
		out = append(out, Artifact{
			RunID:     runID,
			ModelName: model,
			File:      e.Name(),
			SHA256:    readHash(filepath.Join(r.dir, e.Name())),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].File < out[j].File
	})
	return out, nil
}
