package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// taskFile is the on-disk shape of a task definition file.
type taskFile struct {
	Tasks []*Task `yaml:"tasks"`
}

// LoadTaskFile reads a YAML task definition file into an ordered
// TaskSet. File order becomes insertion order, which in turn fixes the
// Resolver's tie-break, so the file is the full plan specification.
func LoadTaskFile(path string) (*TaskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file %s: %w", path, err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s defines no tasks", path)
	}

	set := NewTaskSet()
	for _, t := range tf.Tasks {
		if err := set.Add(t); err != nil {
			return nil, fmt.Errorf("task file %s: %w", path, err)
		}
	}
	return set, nil
}
