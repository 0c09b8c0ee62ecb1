package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Profile holds every classifier threshold as data. Swapping profiles is
// a policy decision made once per job, never per item.
type Profile struct {
	Name                 string  `json:"name"`
	MinForegroundRatio   float64 `json:"min_foreground_ratio"`
	MaxForegroundRatio   float64 `json:"max_foreground_ratio"`
	MaxEdgeTouches       int     `json:"max_edge_touches"`
	MinComponentAreaFrac float64 `json:"min_component_area_frac"`
	BinarizeThreshold    uint8   `json:"binarize_threshold"`
	SubsamplePixels      int     `json:"subsample_pixels"`
}

var profiles = map[string]Profile{
	"conservative": {
		Name:                 "conservative",
		MinForegroundRatio:   0.05,
		MaxForegroundRatio:   0.90,
		MaxEdgeTouches:       1,
		MinComponentAreaFrac: 0.02,
		BinarizeThreshold:    128,
		SubsamplePixels:      1 << 21, // ~2MP
	},
	"balanced": {
		Name:                 "balanced",
		MinForegroundRatio:   0.02,
		MaxForegroundRatio:   0.95,
		MaxEdgeTouches:       2,
		MinComponentAreaFrac: 0.05,
		BinarizeThreshold:    128,
		SubsamplePixels:      1 << 21,
	},
	"aggressive": {
		Name:                 "aggressive",
		MinForegroundRatio:   0.01,
		MaxForegroundRatio:   0.98,
		MaxEdgeTouches:       3,
		MinComponentAreaFrac: 0.10,
		BinarizeThreshold:    100,
		SubsamplePixels:      1 << 21,
	},
}

// ProfileByName resolves one of the named built-in profiles.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown quality profile %q", name)
	}
	return p, nil
}

const profileSchema = `{
  "type": "object",
  "required": ["name", "min_foreground_ratio", "max_foreground_ratio", "max_edge_touches", "min_component_area_frac"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "min_foreground_ratio": {"type": "number", "minimum": 0, "maximum": 1},
    "max_foreground_ratio": {"type": "number", "minimum": 0, "maximum": 1},
    "max_edge_touches": {"type": "integer", "minimum": 0, "maximum": 4},
    "min_component_area_frac": {"type": "number", "minimum": 0, "maximum": 1},
    "binarize_threshold": {"type": "integer", "minimum": 0, "maximum": 255},
    "subsample_pixels": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

// LoadProfileFile reads a JSON profile override and validates it against
// the embedded schema before use.
func LoadProfileFile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile file: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.json", bytes.NewReader([]byte(profileSchema))); err != nil {
		return Profile{}, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("profile.json")
	if err != nil {
		return Profile{}, fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return Profile{}, fmt.Errorf("profile does not match schema: %w", err)
	}

	p := profiles["balanced"] // defaults for optional fields
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
