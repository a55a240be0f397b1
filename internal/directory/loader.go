package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlSeedFile is the top-level YAML structure of the rooms file.
type yamlSeedFile struct {
	Rooms []yamlRoom `yaml:"rooms"`
}

// yamlRoom is the YAML representation of a default room.
type yamlRoom struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Seed is a room created at startup if it does not exist.
type Seed struct {
	Name        string
	Description string
}

// LoadSeedFile reads the default rooms from a YAML file.
//
// Precondition: path must point to a YAML rooms file.
// Postcondition: Returns the seeds in file order or a non-nil error.
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rooms file %s: %w", path, err)
	}
	return LoadSeedBytes(data)
}

// LoadSeedBytes parses default rooms from YAML bytes.
//
// Postcondition: every returned seed has a non-empty name.
func LoadSeedBytes(data []byte) ([]Seed, error) {
	var file yamlSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rooms YAML: %w", err)
	}
	seeds := make([]Seed, 0, len(file.Rooms))
	for i, r := range file.Rooms {
		if r.Name == "" {
			return nil, fmt.Errorf("room %d: name must not be empty", i)
		}
		seeds = append(seeds, Seed{Name: r.Name, Description: r.Description})
	}
	return seeds, nil
}
