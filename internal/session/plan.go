package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bundleretry/internal/shared"
)

// Plan is an ordered list of packages to install.
type Plan struct {
	Name     string    `json:"name"`
	Packages []Package `json:"packages"`
}

// Package is one installable unit. Its payloads are cached before the
// command runs.
type Package struct {
	ID       string    `json:"id"`
	Command  []string  `json:"command"`
	Payloads []Payload `json:"payloads,omitempty"`
}

// Payload is a file a package needs in the cache.
type Payload struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// LoadPlan reads and validates the plan file at path.
func LoadPlan(path string) (Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return Plan{}, shared.Wrapf(err, "open plan %s", path)
	}
	defer func() { _ = f.Close() }()
	return ParsePlan(f)
}

// ParsePlan decodes a JSON plan and validates it.
func ParsePlan(r io.Reader) (Plan, error) {
	var p Plan
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Plan{}, shared.MarkKind(shared.Wrap(err, "decode plan"), shared.KindValidation)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// CheckID reports whether id can name a cache entry: a single local path
// element, so Dir/<package>/<payload> never leaves Dir.
func CheckID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	if id == "." || strings.ContainsAny(id, `/\`) || !filepath.IsLocal(id) {
		return fmt.Errorf("id %q is not a single path element", id)
	}
	return nil
}

// Validate checks that package and payload ids are unique single path
// elements and that every package has a command.
func (p Plan) Validate() error {
	if len(p.Packages) == 0 {
		return shared.Validationf("plan %q has no packages", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Packages))
	for i, pkg := range p.Packages {
		if err := CheckID(pkg.ID); err != nil {
			return shared.Validationf("package %d: %v", i, err)
		}
		if _, dup := seen[pkg.ID]; dup {
			return shared.Validationf("package %q: duplicate id", pkg.ID)
		}
		seen[pkg.ID] = struct{}{}
		if len(pkg.Command) == 0 || pkg.Command[0] == "" {
			return shared.Validationf("package %q: empty command", pkg.ID)
		}
		if err := pkg.validatePayloads(); err != nil {
			return err
		}
	}
	return nil
}

func (pkg Package) validatePayloads() error {
	seen := make(map[string]struct{}, len(pkg.Payloads))
	for i, pl := range pkg.Payloads {
		if err := CheckID(pl.ID); err != nil {
			return shared.Validationf("package %q: payload %d: %v", pkg.ID, i, err)
		}
		if _, dup := seen[pl.ID]; dup {
			return shared.Validationf("package %q: payload %q: duplicate id", pkg.ID, pl.ID)
		}
		seen[pl.ID] = struct{}{}
		if pl.Source == "" {
			return shared.Validationf("package %q: payload %q: empty source", pkg.ID, pl.ID)
		}
	}
	return nil
}

// String is used in logs.
func (pkg Package) String() string {
	return fmt.Sprintf("%s (%d payloads)", pkg.ID, len(pkg.Payloads))
}
