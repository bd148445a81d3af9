package project

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/specrun/internal/agent"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/queue"
)

// Catalog is the set of specifications found under a project directory.
// Specification ids default to the file path relative to the root without
// extension, suites to the relative directory.
type Catalog struct {
	root  string
	specs map[string]*model.Specification
	ids   []string
}

var _ agent.SpecSource = (*Catalog)(nil)

// LoadCatalog reads every .yaml and .yml file below root except the manifest.
func LoadCatalog(root string) (*Catalog, error) {
	c := &Catalog{root: root, specs: make(map[string]*model.Specification)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == ManifestFile {
			return nil
		}

		spec, err := parseSpec(path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if _, dup := c.specs[spec.ID]; dup {
			return fmt.Errorf("%s: duplicate specification id %q", rel, spec.ID)
		}
		c.specs[spec.ID] = spec
		c.ids = append(c.ids, spec.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", root, err)
	}

	sort.Strings(c.ids)
	return c, nil
}

func parseSpec(path, rel string) (*model.Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec model.Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}

	base := strings.TrimSuffix(rel, filepath.Ext(rel))
	if spec.ID == "" {
		spec.ID = base
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(base)
	}
	if spec.Suite == "" {
		if dir := filepath.ToSlash(filepath.Dir(rel)); dir != "." {
			spec.Suite = dir
		}
	}
	lc, err := model.ParseLifecycle(string(spec.Lifecycle))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	if lc == model.LifecycleAny {
		lc = model.LifecycleAcceptance
	}
	spec.Lifecycle = lc
	if spec.Revision == "" {
		h := fnv.New64a()
		h.Write(data)
		spec.Revision = fmt.Sprintf("%016x", h.Sum64())
	}
	return &spec, nil
}

// Root returns the directory the catalog was loaded from.
func (c *Catalog) Root() string { return c.root }

// Len returns the number of specifications.
func (c *Catalog) Len() int { return len(c.ids) }

// Summaries returns every specification header, ordered by id.
func (c *Catalog) Summaries() []model.SpecSummary {
	out := make([]model.SpecSummary, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.specs[id].Summary())
	}
	return out
}

// Select returns the ids of the specifications passing f, ordered by id.
func (c *Catalog) Select(f queue.Filter) []string {
	return queue.IDs(f.Apply(c.Summaries()))
}

// LoadSpecification returns the specification with the given id.
func (c *Catalog) LoadSpecification(_ context.Context, id string) (*model.Specification, error) {
	spec, ok := c.specs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrSpecNotFound, id)
	}
	return spec, nil
}
