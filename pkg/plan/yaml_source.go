package plan

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileSource loads plan definitions from a YAML file. The file holds a list
// of plans under a top-level "plans" key:
//
//	plans:
//	  - id: starter
//	    name: Starter
//	    interval: monthly
//	    trial_days: 14
//	    active: true
//	    prices:
//	      1: {amount: 900, currency: USD}
//	      4: {amount: 1900, currency: USD}
//	    capabilities:
//	      qr_menu: true
//	    limits:
//	      menus: 3
type fileSource struct {
	path string
}

// NewFileSource returns a Source that reads plans from the YAML file at path.
// The file is re-read on every Load, which makes Catalog.Reload pick up edits.
func NewFileSource(path string) Source {
	if path == "" {
		panic("plan: file source path is required")
	}
	return &fileSource{path: path}
}

func (s *fileSource) Load(ctx context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if len(doc.Plans) == 0 {
		return nil, errors.Join(ErrFailedToLoadPlans,
			fmt.Errorf("no plans defined in %s", s.path))
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		if _, exists := plans[p.ID]; exists {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("duplicate plan ID %q in %s", p.ID, s.path))
		}
		plans[p.ID] = p
	}
	return plans, nil
}
