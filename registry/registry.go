// Package registry maps (namespace, name, version) coordinates to task
// handlers. Registration is validate-then-publish: a handler's step
// templates are fully validated into a DAG before anything becomes visible,
// so a failed registration leaves no partial state.
package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/taskgraph/graph"
	"github.com/c360studio/taskgraph/workflow"
)

// Descriptor is a published handler registration: the handler itself plus
// its validated template set and dependency graph.
type Descriptor struct {
	Namespace string
	Name      string
	Version   string

	handler   workflow.TaskHandler
	templates []workflow.StepTemplate
	graph     *graph.Graph
}

// Handler returns the registered task handler.
func (d *Descriptor) Handler() workflow.TaskHandler {
	return d.handler
}

// Templates returns a copy of the validated step templates.
func (d *Descriptor) Templates() []workflow.StepTemplate {
	return append([]workflow.StepTemplate(nil), d.templates...)
}

// Graph returns the validated dependency graph.
func (d *Descriptor) Graph() *graph.Graph {
	return d.graph
}

// Info is the discovery view of one registered (namespace, name) pair.
type Info struct {
	Namespace     string                  `json:"namespace"`
	Name          string                  `json:"name"`
	Versions      []string                `json:"versions"`
	StepTemplates []workflow.StepTemplate `json:"step_templates"`
}

// Registry is a read-mostly concurrent handler registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]map[string]*Descriptor // namespace → name → version
	logger   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]map[string]map[string]*Descriptor),
		logger:   logger,
	}
}

// Register validates and publishes a handler under the given coordinates.
// Empty namespace and version fall back to the defaults. Re-registering an
// identical handler version is a no-op; registering a different template set
// under existing coordinates fails.
func (r *Registry) Register(namespace, name, version string, handler workflow.TaskHandler) error {
	if namespace == "" {
		namespace = workflow.DefaultNamespace
	}
	if version == "" {
		version = workflow.DefaultVersion
	}
	if name == "" {
		return &workflow.ConfigurationError{Message: "handler name is required"}
	}
	if handler == nil {
		return &workflow.ConfigurationError{Message: fmt.Sprintf("handler %s/%s is nil", namespace, name)}
	}

	desc, err := buildDescriptor(namespace, name, version, handler)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.lookupLocked(namespace, name, version); existing != nil {
		if reflect.DeepEqual(existing.templates, desc.templates) {
			return nil
		}
		return &workflow.ConfigurationError{
			Message: fmt.Sprintf("handler %s/%s@%s is already registered with different step templates",
				namespace, name, version),
		}
	}

	names, ok := r.handlers[namespace]
	if !ok {
		names = make(map[string]map[string]*Descriptor)
		r.handlers[namespace] = names
	}
	versions, ok := names[name]
	if !ok {
		versions = make(map[string]*Descriptor)
		names[name] = versions
	}
	versions[version] = desc

	r.logger.Info("Registered task handler",
		"namespace", namespace,
		"name", name,
		"version", version,
		"steps", len(desc.templates))
	return nil
}

// buildDescriptor validates everything about a handler before it becomes
// visible: template fields, the dependency DAG, and per-step handler
// resolution.
func buildDescriptor(namespace, name, version string, handler workflow.TaskHandler) (*Descriptor, error) {
	templates := append([]workflow.StepTemplate(nil), handler.StepTemplates()...)
	if len(templates) == 0 {
		return nil, &workflow.ConfigurationError{
			Message: fmt.Sprintf("handler %s/%s declares no step templates", namespace, name),
		}
	}

	g, err := graph.New(templates)
	if err != nil {
		return nil, err
	}

	for _, tmpl := range templates {
		stepHandler, err := handler.StepHandler(tmpl.Name)
		if err != nil {
			return nil, &workflow.ConfigurationError{
				Message: fmt.Sprintf("handler %s/%s cannot resolve step %s: %v",
					namespace, name, tmpl.Name, err),
			}
		}
		if stepHandler == nil {
			return nil, &workflow.ConfigurationError{
				Message: fmt.Sprintf("handler %s/%s resolved step %s to nil", namespace, name, tmpl.Name),
			}
		}
	}

	return &Descriptor{
		Namespace: namespace,
		Name:      name,
		Version:   version,
		handler:   handler,
		templates: templates,
		graph:     g,
	}, nil
}

// Get resolves the descriptor for the given coordinates. Empty namespace and
// version fall back to the defaults. The returned error distinguishes an
// unknown namespace from an unknown name from an unknown version.
func (r *Registry) Get(namespace, name, version string) (*Descriptor, error) {
	if namespace == "" {
		namespace = workflow.DefaultNamespace
	}
	if version == "" {
		version = workflow.DefaultVersion
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.handlers[namespace]
	if !ok {
		return nil, &workflow.HandlerNotFoundError{Namespace: namespace, Name: name, Version: version, Scope: "namespace"}
	}
	versions, ok := names[name]
	if !ok {
		return nil, &workflow.HandlerNotFoundError{Namespace: namespace, Name: name, Version: version, Scope: "name"}
	}
	desc, ok := versions[version]
	if !ok {
		return nil, &workflow.HandlerNotFoundError{Namespace: namespace, Name: name, Version: version, Scope: "version"}
	}
	return desc, nil
}

func (r *Registry) lookupLocked(namespace, name, version string) *Descriptor {
	if names, ok := r.handlers[namespace]; ok {
		if versions, ok := names[name]; ok {
			return versions[version]
		}
	}
	return nil
}

// List enumerates registered handlers whose "namespace/name" matches the
// doublestar pattern; an empty pattern matches everything. Step templates in
// the result come from the latest registered version.
func (r *Registry) List(pattern string) ([]Info, error) {
	if pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &workflow.ValidationError{Field: "pattern", Message: "malformed glob pattern"}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []Info
	for namespace, names := range r.handlers {
		for name, versions := range names {
			if pattern != "" {
				matched, err := doublestar.Match(pattern, namespace+"/"+name)
				if err != nil {
					return nil, &workflow.ValidationError{Field: "pattern", Message: err.Error()}
				}
				if !matched {
					continue
				}
			}

			versionList := make([]string, 0, len(versions))
			for v := range versions {
				versionList = append(versionList, v)
			}
			sortVersions(versionList)

			latest := versions[versionList[len(versionList)-1]]
			infos = append(infos, Info{
				Namespace:     namespace,
				Name:          name,
				Versions:      versionList,
				StepTemplates: latest.Templates(),
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Namespace != infos[j].Namespace {
			return infos[i].Namespace < infos[j].Namespace
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

// Namespaces returns the sorted set of known namespaces.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	namespaces := make([]string, 0, len(r.handlers))
	for ns := range r.handlers {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

// sortVersions orders semantic-version strings ascending, falling back to
// lexicographic order for non-numeric segments.
func sortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				return an - bn
			}
			continue
		}
		if av != bv {
			return strings.Compare(av, bv)
		}
	}
	return 0
}
