package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DescriptorFile is the descriptor every plugin directory must carry.
const DescriptorFile = "plugin.yml"

// LoaderVersion is the descriptor loader version this host implements.
const LoaderVersion = 2.0

// BuiltinScheme prefixes main files that name a compiled-in entry point.
const BuiltinScheme = "builtin:"

// RequiredKeys lists the dot-path keys a descriptor must define with a non-null value.
var RequiredKeys = []string{
	"plugin.name",
	"plugin.version",
	"plugin.main-file",
	"plugin.id",
	"loader.required-version",
	"loader.preferred-version",
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	pluginIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// ValidID reports whether id is usable as a plugin id.
func ValidID(id string) bool {
	return pluginIDPattern.MatchString(id)
}

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
			return pluginIDPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// Descriptor is the validated metadata of one plugin. MainFile is already
// resolved against Dir unless it names a builtin entry point.
type Descriptor struct {
	ID              string  `validate:"required,plugin_id"`
	Name            string  `validate:"required"`
	Version         string  `validate:"required"`
	MainFile        string  `validate:"required"`
	Dir             string  `validate:"required"`
	LoaderRequired  float64 `validate:"gte=0"`
	LoaderPreferred float64 `validate:"gte=0"`
	Enabled         bool
}

// Builtin returns the entry point name when the main file uses the builtin scheme.
func (d Descriptor) Builtin() (string, bool) {
	if !strings.HasPrefix(d.MainFile, BuiltinScheme) {
		return "", false
	}

	return strings.TrimPrefix(d.MainFile, BuiltinScheme), true
}

// Validate checks the typed descriptor fields.
func (d Descriptor) Validate() error {
	if err := validatorInstance().Struct(d); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			fe := ves[0]
			return fmt.Errorf("%s failed validation for tag '%s'", strings.ToLower(fe.Field()), fe.Tag())
		}

		return err
	}

	return nil
}

// LoadDescriptor reads and validates the descriptor in dir. A disabled plugin
// is returned with Enabled set to false and no error.
func LoadDescriptor(dir string) (Descriptor, error) {
	name := filepath.Base(dir)

	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Descriptor{}, newError(ErrDescriptorInvalid, name, "", fmt.Errorf("no %s in %s", DescriptorFile, dir))
		}

		return Descriptor{}, newError(ErrDescriptorInvalid, name, "", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Descriptor{}, newError(ErrDescriptorInvalid, name, "", err)
	}

	flat := make(map[string]*yaml.Node)
	flatten(&doc, "", flat)

	var missing []string
	for _, key := range RequiredKeys {
		if n, ok := flat[key]; !ok || isNull(n) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Descriptor{}, newError(
			ErrDescriptorInvalid, name, "",
			fmt.Errorf("missing required keys: %s", strings.Join(missing, ", ")),
		)
	}

	id := flat["plugin.id"].Value
	desc := Descriptor{
		ID:       id,
		Name:     flat["plugin.name"].Value,
		Version:  flat["plugin.version"].Value,
		MainFile: flat["plugin.main-file"].Value,
		Dir:      dir,
		Enabled:  true,
	}

	if desc.LoaderRequired, err = number(flat["loader.required-version"]); err != nil {
		return Descriptor{}, newError(ErrDescriptorInvalid, id, "loader.required-version", err)
	}
	if desc.LoaderPreferred, err = number(flat["loader.preferred-version"]); err != nil {
		return Descriptor{}, newError(ErrDescriptorInvalid, id, "loader.preferred-version", err)
	}

	if n, ok := flat["loader.enable-plugin"]; ok && !isNull(n) {
		if err := n.Decode(&desc.Enabled); err != nil {
			return Descriptor{}, newError(ErrDescriptorInvalid, id, "loader.enable-plugin", err)
		}
	}

	if _, ok := desc.Builtin(); !ok && desc.MainFile != "" {
		desc.MainFile = filepath.Join(dir, filepath.FromSlash(desc.MainFile))
	}

	if err := desc.Validate(); err != nil {
		return Descriptor{}, newError(ErrDescriptorInvalid, id, "", err)
	}

	if desc.LoaderRequired > LoaderVersion {
		return Descriptor{}, newError(
			ErrIncompatibleLoader, id, "",
			fmt.Errorf("requires loader %v, host provides %v", desc.LoaderRequired, LoaderVersion),
		)
	}
	if desc.LoaderPreferred != LoaderVersion {
		log.Warn().
			Str("event", "loader_version_mismatch").
			Str("plugin", id).
			Float64("preferred", desc.LoaderPreferred).
			Float64("loader", LoaderVersion).
			Msg("plugin prefers a different loader version")
	}

	return desc, nil
}

// flatten records every non-mapping value under its dot-path.
func flatten(n *yaml.Node, prefix string, out map[string]*yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			flatten(c, prefix, out)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			flatten(n.Content[i+1], key, out)
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			flatten(n.Alias, prefix, out)
		}
	default:
		if prefix != "" {
			out[prefix] = n
		}
	}
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func number(n *yaml.Node) (float64, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, errors.New("expected a number")
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", n.Value)
	}

	return f, nil
}

// Order selects how discovered plugins are sequenced.
type Order string

// Discovery orders.
const (
	OrderID        Order = "id"
	OrderDirectory Order = "directory"
)

// ParseOrder maps a configuration value to an Order.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderID:
		return OrderID, nil
	case OrderDirectory:
		return OrderDirectory, nil
	default:
		return "", fmt.Errorf("unknown plugin order %q", s)
	}
}

// DiscoverOptions controls Discover.
type DiscoverOptions struct {
	Strict bool
	Order  Order
}

// Rejection records a plugin directory excluded in lenient mode.
type Rejection struct {
	Dir string
	Err error
}

// Discovery is the outcome of scanning a plugin root.
type Discovery struct {
	Plugins  []Descriptor
	Disabled []Descriptor
	Rejected []Rejection
}

// Discover scans every directory under root for a descriptor. In strict mode
// the first invalid descriptor aborts the scan; otherwise it is logged and
// recorded in Rejected.
func Discover(root string, opts DiscoverOptions) (*Discovery, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read plugin root: %w", err)
	}

	res := &Discovery{}
	seen := make(map[string]string)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())

		desc, err := LoadDescriptor(dir)
		if err == nil {
			if prev, dup := seen[desc.ID]; dup {
				err = newError(ErrDescriptorInvalid, desc.ID, "plugin.id", fmt.Errorf("id already used by %s", prev))
			}
		}
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			log.Warn().
				Str("event", "plugin_rejected").
				Str("dir", dir).
				Err(err).
				Msg("skipping plugin")
			res.Rejected = append(res.Rejected, Rejection{Dir: dir, Err: err})

			continue
		}

		seen[desc.ID] = dir
		if !desc.Enabled {
			log.Info().
				Str("event", "plugin_disabled").
				Str("plugin", desc.ID).
				Msg("plugin disabled by descriptor")
			res.Disabled = append(res.Disabled, desc)

			continue
		}
		res.Plugins = append(res.Plugins, desc)
	}

	if opts.Order != OrderDirectory {
		sort.SliceStable(res.Plugins, func(i, j int) bool {
			return res.Plugins[i].ID < res.Plugins[j].ID
		})
	}

	return res, nil
}
