// Package catalog defines the closed, versioned set of observables that
// hazard constraints may reference. Enforcement artifacts can only read
// values the catalog names; anything else is rejected at parse time.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Kind is the value type of an observable.
type Kind string

const (
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindBool   Kind = "bool"
)

// validKinds is the set of accepted observable kinds.
var validKinds = map[Kind]bool{
	KindNumber: true,
	KindString: true,
	KindBool:   true,
}

// Observable is one named input the enforcement layer can read at decision time.
type Observable struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Description string `yaml:"description,omitempty"`
}

// Catalog is a closed observable set at a specific version. Lookups outside
// the set fail; there is no fallthrough to ad-hoc variables.
type Catalog struct {
	version string
	byName  map[string]Observable
}

// BuiltinVersion identifies the compiled-in observable set.
const BuiltinVersion = "v1"

// Builtin returns the compiled-in catalog covering the trading and transfer
// surfaces plus the session/approval state observables.
func Builtin() *Catalog {
	c, err := New(BuiltinVersion, []Observable{
		{Name: "trade.amount", Kind: KindNumber, Description: "notional value of the proposed trade"},
		{Name: "trade.currency", Kind: KindString, Description: "ISO currency code of the trade"},
		{Name: "trade.symbol", Kind: KindString, Description: "instrument symbol being traded"},
		{Name: "transfer.amount", Kind: KindNumber, Description: "amount of the proposed transfer"},
		{Name: "transfer.destination", Kind: KindString, Description: "destination account identifier"},
		{Name: "data.age_seconds", Kind: KindNumber, Description: "age of the market data snapshot in seconds"},
		{Name: "market.volatility_index", Kind: KindNumber, Description: "current volatility index reading"},
		{Name: "risk.score", Kind: KindNumber, Description: "composite risk score for the acting session"},
		{Name: "account.tier", Kind: KindString, Description: "tier of the account initiating the action"},
		{Name: "approval.token_valid", Kind: KindBool, Description: "whether a prior human approval token is present and unexpired"},
		{Name: "session.authenticated", Kind: KindBool, Description: "whether the acting session passed authentication"},
	})
	if err != nil {
		// The builtin set is fixed at compile time; a failure here is a bug.
		panic(err)
	}
	return c
}

// New builds a catalog from an explicit observable list, rejecting duplicate
// names and unknown kinds.
func New(version string, observables []Observable) (*Catalog, error) {
	if version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}
	byName := make(map[string]Observable, len(observables))
	for _, o := range observables {
		if o.Name == "" {
			return nil, fmt.Errorf("catalog %s: observable with empty name", version)
		}
		if !validKinds[o.Kind] {
			return nil, fmt.Errorf("catalog %s: observable %s has unknown kind %q", version, o.Name, o.Kind)
		}
		if _, dup := byName[o.Name]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate observable %s", version, o.Name)
		}
		byName[o.Name] = o
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("catalog %s: no observables", version)
	}
	return &Catalog{version: version, byName: byName}, nil
}

// fileCatalog is the YAML shape of a catalog definition on disk.
type fileCatalog struct {
	Version     string       `yaml:"version"`
	Observables []Observable `yaml:"observables"`
}

// Load reads a catalog definition from a YAML file.
// Empty path or missing file returns the builtin catalog.
// Invalid YAML or an invalid observable list returns an error.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Builtin(), nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(fc.Version, fc.Observables)
}

// Version returns the catalog version string.
func (c *Catalog) Version() string { return c.version }

// Lookup returns the observable with the given name, if present.
func (c *Catalog) Lookup(name string) (Observable, bool) {
	o, ok := c.byName[name]
	return o, ok
}

// Names returns all observable names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of observables in the catalog.
func (c *Catalog) Len() int { return len(c.byName) }
