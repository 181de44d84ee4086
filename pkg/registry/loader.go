package registry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/pattern"
)

// libraryFile is the on-disk shape of one pattern library YAML file: a set
// of named domain patterns, each with a severity and an optional algedonic
// response mapping.
type libraryFile struct {
	Patterns map[string]libraryEntry `yaml:"patterns"`
}

type libraryEntry struct {
	Severity string           `yaml:"severity"`
	Spec     pattern.Spec     `yaml:"spec"`
	Mapping  *libraryMapping  `yaml:"mapping,omitempty"`
}

type libraryMapping struct {
	PainLevel       float64 `yaml:"pain_level"`
	Urgency         int     `yaml:"urgency"`
	BypassHierarchy bool    `yaml:"bypass_hierarchy"`
	Target          string  `yaml:"target"`
}

// LoadDirectory reads every *.yaml/*.yml file in dir and registers the
// patterns they declare via LoadDomain.
func (r *Registry) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	specs := make(map[string]pattern.Spec)
	severities := make(map[string]Severity)
	mappings := make(map[string]*AlgedonicMapping)

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := loadFile(path, specs, severities, mappings); err != nil {
			return err
		}
	}
	return r.LoadDomain(specs, severities, mappings)
}

func loadFile(path string, specs map[string]pattern.Spec, severities map[string]Severity, mappings map[string]*AlgedonicMapping) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var lib libraryFile
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return err
	}
	for name, entry := range lib.Patterns {
		specs[name] = entry.Spec
		severities[name] = ParseSeverity(entry.Severity)
		if entry.Mapping != nil {
			mappings[name] = &AlgedonicMapping{
				PainLevel:       entry.Mapping.PainLevel,
				Urgency:         entry.Mapping.Urgency,
				BypassHierarchy: entry.Mapping.BypassHierarchy,
				Target:          algedonic.Target(entry.Mapping.Target),
			}
		}
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Watch starts an fsnotify watcher on dir and reloads the full directory on
// every write/create/rename event. A reload that fails (for example on a
// malformed file) is logged and skipped, leaving the previously registered
// patterns in place rather than tearing down the registry. Returns a stop
// function.
func (r *Registry) Watch(dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadDirectory(dir); err != nil {
					log.Logger.Warn().Err(err).Str("dir", dir).Msg("pattern library reload failed")
					continue
				}
				r.LoadCritical()
				log.Logger.Info().Str("dir", dir).Msg("pattern library reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Logger.Warn().Err(err).Msg("pattern library watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
