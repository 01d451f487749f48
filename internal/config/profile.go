package config

import "sort"

// Profile is a named preset for delivery concurrency and pacing
type Profile struct {
	Name          string
	Workers       int
	RatePerSecond float64
	// Multiplier scales provider rate rules marked Scale
	Multiplier float64
}

var profiles = map[string]Profile{
	"conservative": {Name: "conservative", Workers: 5, RatePerSecond: 3, Multiplier: 0.25},
	"balanced":     {Name: "balanced", Workers: 10, RatePerSecond: 10, Multiplier: 1},
	"aggressive":   {Name: "aggressive", Workers: 20, RatePerSecond: 17, Multiplier: 4},
	"turbo":        {Name: "turbo", Workers: 100, RatePerSecond: 100, Multiplier: 15},
}

// LookupProfile returns the preset with the given name
func LookupProfile(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames lists known presets in alphabetical order
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectiveProfile returns the configured preset with explicit worker and rate overrides applied
func (c *Config) EffectiveProfile() Profile {
	p, ok := LookupProfile(c.Delivery.Profile)
	if !ok {
		p = profiles["balanced"]
	}
	if c.Delivery.Workers > 0 {
		p.Workers = c.Delivery.Workers
	}
	if c.Delivery.RatePerSecond > 0 {
		p.RatePerSecond = c.Delivery.RatePerSecond
	}
	return p
}
