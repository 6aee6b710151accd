package ingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ZoneMap resolves a site's country/state to the IANA timezone its
// CSV exports are written in.
type ZoneMap struct {
	zones map[string]map[string]*time.Location
}

type zoneMapFile struct {
	Zones map[string]map[string]string `yaml:"zones"`
}

// LoadZoneMap reads and validates a YAML zone map of the form
//
//	zones:
//	  canada:
//	    ontario: America/Toronto
//	    default: America/Toronto
//
// Country and state keys match case-insensitively; the state key
// "default" covers the whole country. Every zone name must resolve
// via time.LoadLocation or the load fails.
func LoadZoneMap(path string) (*ZoneMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zone map: %w", err)
	}

	var file zoneMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing zone map: %w", err)
	}

	zm := &ZoneMap{zones: make(map[string]map[string]*time.Location, len(file.Zones))}
	for country, states := range file.Zones {
		byState := make(map[string]*time.Location, len(states))
		for state, name := range states {
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("zone map entry %s/%s: %w", country, state, err)
			}
			byState[zoneKey(state)] = loc
		}
		zm.zones[zoneKey(country)] = byState
	}
	return zm, nil
}

func zoneKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve returns the mapped timezone for a country/state, falling
// back to the country's "default" entry. It returns nil when the
// location is unmapped.
func (z *ZoneMap) Resolve(country, state string) *time.Location {
	states, ok := z.zones[zoneKey(country)]
	if !ok {
		return nil
	}
	if loc, ok := states[zoneKey(state)]; ok {
		return loc
	}
	return states["default"]
}
