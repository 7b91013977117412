package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// componentOrder fixes the deterministic order suite components are
// cached in: base first (required), then the optional roles
// {refiner, vae, controlnet, lora}.
var componentOrder = []string{"base", "refiner", "vae", "controlnet", "lora"}

var componentType = map[string]ModelType{
	"base":       TypeBase,
	"refiner":    TypeRefiner,
	"vae":        TypeVAE,
	"controlnet": TypeControlNet,
	"lora":       TypeLoRA,
}

// SuiteSpec describes a model suite to cache: a name and a path for each
// present component. Base is required; the rest are optional.
type SuiteSpec struct {
	Name       string
	Base       string
	Refiner    string
	VAE        string
	ControlNet string
	LoRA       string
}

func (s SuiteSpec) paths() map[string]string {
	return map[string]string{
		"base":       s.Base,
		"refiner":    s.Refiner,
		"vae":        s.VAE,
		"controlnet": s.ControlNet,
		"lora":       s.LoRA,
	}
}

// componentID returns the `sdxl_<suite>_<component>` cache key used for
// suite naming.
func componentID(suiteName, component string) string {
	return fmt.Sprintf("sdxl_%s_%s", suiteName, component)
}

// ComponentResult is the per-component outcome of CacheSuite.
type ComponentResult struct {
	Component string
	ModelID   string
	Entry     *ModelEntry
	Err       error
}

// SuiteCacheReport aggregates CacheSuite's component results. Partial
// success is allowed: components cached before a later failure remain
// cached.
type SuiteCacheReport struct {
	Name       string
	Components []ComponentResult
}

// Err returns the first component error, or nil if every present
// component succeeded.
func (r SuiteCacheReport) Err() error {
	for _, c := range r.Components {
		if c.Err != nil {
			return fmt.Errorf("suite %s component %s: %w", r.Name, c.Component, c.Err)
		}
	}
	return nil
}

// componentHeuristic is the size-classification a well-formed model file
// is expected to report for each suite role.
var componentHeuristic = map[string]HeuristicClass{
	"base":       HeuristicBase,
	"refiner":    HeuristicBase,
	"vae":        HeuristicVAE,
	"controlnet": HeuristicGeneric,
	"lora":       HeuristicAdapter,
}

// ValidateSuite checks each present component's file against the size
// heuristic expected for its role, returning one description per
// component whose detected classification disagrees with its declared
// role. Used by FORGE_SUITE_VALIDATION_STRICT to reject a suite_cache
// call outright instead of merely caching whatever was given.
func ValidateSuite(spec SuiteSpec) []string {
	var mismatches []string
	for component, path := range spec.paths() {
		if path == "" {
			continue
		}
		report := validateOne(path)
		want := componentHeuristic[component]
		if report.Exists && report.Heuristic != want {
			mismatches = append(mismatches, fmt.Sprintf(
				"%s: expected a %s-sized file, got %s (%s, %d bytes)",
				component, want, report.Heuristic, path, report.ByteSize))
		}
	}
	sort.Strings(mismatches)
	return mismatches
}

// CacheSuite sequences per-component cache calls, in componentOrder,
// skipping components with no path configured. Failures on later
// components never undo earlier successes.
func (c *Cache) CacheSuite(ctx context.Context, spec SuiteSpec) SuiteCacheReport {
	paths := spec.paths()
	report := SuiteCacheReport{Name: spec.Name}

	for _, component := range componentOrder {
		path := paths[component]
		if path == "" {
			continue
		}

		id := componentID(spec.Name, component)
		entry, err := c.Cache(ctx, Spec{ID: id, Name: id, Path: path, Type: componentType[component]}, false)
		report.Components = append(report.Components, ComponentResult{
			Component: component,
			ModelID:   id,
			Entry:     entry,
			Err:       err,
		})
	}

	return report
}

// Suite is a derived view grouping cached entries whose id matches the
// suite naming pattern into a single synthesized record.
type Suite struct {
	Name       string
	Components map[string]*ModelEntry // component -> entry
}

// LoadedOnDevice reports whether every non-empty component of the suite
// has deviceID in its resident-device set.
func (s Suite) LoadedOnDevice(deviceID string) bool {
	for _, entry := range s.Components {
		if entry == nil {
			continue
		}
		if _, ok := entry.ResidentDevices[deviceID]; !ok {
			return false
		}
	}
	return true
}

// Suites derives the set of suites from currently cached entries by
// parsing the `sdxl_<suite>_<component>` naming convention.
func (c *Cache) Suites() []Suite {
	entries := c.List()

	byName := make(map[string]*Suite)
	for _, e := range entries {
		suiteName, component, ok := parseSuiteComponentID(e.ID)
		if !ok {
			continue
		}
		suite, ok := byName[suiteName]
		if !ok {
			suite = &Suite{Name: suiteName, Components: make(map[string]*ModelEntry)}
			byName[suiteName] = suite
		}
		suite.Components[component] = e
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Suite, 0, len(names))
	for _, name := range names {
		out = append(out, *byName[name])
	}
	return out
}

func parseSuiteComponentID(id string) (suite, component string, ok bool) {
	const prefix = "sdxl_"
	if !strings.HasPrefix(id, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(id, prefix)
	for _, c := range componentOrder {
		suffix := "_" + c
		if strings.HasSuffix(rest, suffix) {
			return strings.TrimSuffix(rest, suffix), c, true
		}
	}
	return "", "", false
}
