package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nuclio/errors"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "fauxgate.yaml"

	// DefaultPort is the default emulator port.
	DefaultPort = 3000

	// DefaultHost is the default emulator host.
	DefaultHost = "localhost"

	// DefaultStage is the default deployment stage name.
	DefaultStage = "dev"

	// DefaultTimeoutSeconds is the default function timeout.
	DefaultTimeoutSeconds = 6

	// DefaultMemoryMB is the default function memory size.
	DefaultMemoryMB = 128

	// DefaultOutDir is the default packaging output directory.
	DefaultOutDir = ".fauxgate/build"

	// DefaultPingInterval is the default WebSocket liveness interval.
	DefaultPingInterval = 30 * time.Second

	// DefaultIdleMultiplier is the default eviction multiplier: a
	// connection idle for PingInterval*IdleMultiplier is evicted.
	DefaultIdleMultiplier = 2
)

// Config is the complete fauxgate.yaml configuration.
type Config struct {
	// Service is the service name, used in request contexts and
	// artifact keys.
	Service string `yaml:"service" validate:"required"`

	// Provider contains provider-level settings.
	Provider Provider `yaml:"provider"`

	// Server contains emulator server settings.
	Server Server `yaml:"server"`

	// Build contains packaging settings.
	Build Build `yaml:"build"`

	// Functions maps function name to its declaration, preserving
	// declaration order.
	Functions Functions `yaml:"functions" validate:"required"`

	// dir is the directory the config was loaded from. Handler paths
	// resolve relative to it.
	dir string
}

// Provider contains provider-level settings.
type Provider struct {
	// Stage is the deployment stage name (appears in request contexts).
	Stage string `yaml:"stage"`

	// Region is the emulated region name.
	Region string `yaml:"region"`
}

// Server contains emulator server settings.
type Server struct {
	// Host is the address to bind to.
	Host string `yaml:"host"`

	// Port is the port to listen on.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// PingInterval is the WebSocket liveness sweep interval.
	PingInterval Duration `yaml:"pingInterval"`

	// IdleMultiplier scales PingInterval into the eviction threshold.
	IdleMultiplier int `yaml:"idleMultiplier" validate:"omitempty,min=1"`
}

// Build contains packaging settings.
type Build struct {
	// OutDir is the directory deployment archives are written to.
	OutDir string `yaml:"outDir"`

	// Minify enables bundle minification.
	Minify bool `yaml:"minify"`

	// Sourcemap enables source map generation.
	Sourcemap bool `yaml:"sourcemap"`

	// External lists module names excluded from bundling.
	External []string `yaml:"external"`
}

// Function is a single function declaration.
type Function struct {
	// Name is the function identifier (the map key).
	Name string `yaml:"-"`

	// Handler is the entry in "path/to/module.export" form.
	Handler string `yaml:"handler" validate:"required"`

	// TimeoutSeconds is the invocation timeout budget.
	TimeoutSeconds int `yaml:"timeout" validate:"omitempty,min=1"`

	// MemoryMB is the declared memory size.
	MemoryMB int `yaml:"memorySize" validate:"omitempty,min=64"`

	// Environment contains per-function environment variables.
	Environment map[string]string `yaml:"environment"`

	// Events are the function's event bindings, in declaration order.
	Events []Event `yaml:"events"`
}

// Timeout returns the invocation timeout as a duration.
func (f *Function) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Duration decodes YAML durations written either as Go duration
// strings ("30s", "500ms") or as bare integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Errorf("invalid duration value %q", node.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Event is one event binding. Exactly one member is set.
type Event struct {
	HTTP      *HTTPEvent      `yaml:"http"`
	WebSocket *WebSocketEvent `yaml:"websocket"`
}

// HTTPEvent binds a function to an HTTP method and path template.
type HTTPEvent struct {
	// Method is the HTTP method, or "ANY"/"*" for all methods.
	Method string `yaml:"method" validate:"required"`

	// Path is the template: literal segments, {name} parameters, and
	// an optional trailing {name+} wildcard.
	Path string `yaml:"path" validate:"required"`

	// CORS enables permissive CORS headers on responses.
	CORS bool `yaml:"cors"`
}

// WebSocketEvent binds a function to a WebSocket route key.
type WebSocketEvent struct {
	// Route is the key: $connect, $disconnect, $default, or a custom
	// message route.
	Route string `yaml:"route" validate:"required"`
}

// Functions is an ordered set of function declarations. YAML mappings
// lose order when decoded into a Go map, so decoding walks the nodes
// directly and records declaration order.
type Functions struct {
	byName map[string]*Function
	order  []string
}

// UnmarshalYAML decodes the functions mapping preserving key order.
func (fs *Functions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("functions must be a mapping")
	}

	fs.byName = make(map[string]*Function, len(node.Content)/2)
	fs.order = make([]string, 0, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]

		fn := &Function{}
		if err := valNode.Decode(fn); err != nil {
			return errors.Wrapf(err, "function %q", keyNode.Value)
		}
		fn.Name = keyNode.Value

		if _, exists := fs.byName[fn.Name]; exists {
			return errors.Errorf("function %q declared twice", fn.Name)
		}
		fs.byName[fn.Name] = fn
		fs.order = append(fs.order, fn.Name)
	}

	return nil
}

// Get returns the function with the given name, or nil.
func (fs *Functions) Get(name string) *Function {
	return fs.byName[name]
}

// Names returns function names in declaration order.
func (fs *Functions) Names() []string {
	return fs.order
}

// Len returns the number of declared functions.
func (fs *Functions) Len() int {
	return len(fs.order)
}

// All returns the functions in declaration order.
func (fs *Functions) All() []*Function {
	out := make([]*Function, 0, len(fs.order))
	for _, name := range fs.order {
		out = append(out, fs.byName[name])
	}
	return out
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve config path")
	}
	cfg.dir = filepath.Dir(abs)

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads fauxgate.yaml from the given directory.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, ConfigFileName))
}

// Dir returns the directory the config was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// Address returns the host:port the emulator binds to.
func (c *Config) Address() string {
	return c.Server.Host + ":" + itoa(c.Server.Port)
}

// OutputPath returns the absolute packaging output directory.
func (c *Config) OutputPath() string {
	if filepath.IsAbs(c.Build.OutDir) {
		return c.Build.OutDir
	}
	return filepath.Join(c.dir, c.Build.OutDir)
}

// IdleThreshold returns the idle duration after which a WebSocket
// connection is evicted.
func (c *Config) IdleThreshold() time.Duration {
	return c.Server.PingInterval.Std() * time.Duration(c.Server.IdleMultiplier)
}

// applyDefaults fills in zero-valued settings.
func (c *Config) applyDefaults() {
	if c.Provider.Stage == "" {
		c.Provider.Stage = DefaultStage
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = Duration(DefaultPingInterval)
	}
	if c.Server.IdleMultiplier == 0 {
		c.Server.IdleMultiplier = DefaultIdleMultiplier
	}
	if c.Build.OutDir == "" {
		c.Build.OutDir = DefaultOutDir
	}

	for _, fn := range c.Functions.All() {
		if fn.TimeoutSeconds == 0 {
			fn.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if fn.MemoryMB == 0 {
			fn.MemoryMB = DefaultMemoryMB
		}
	}
}

// Validate checks structural constraints (struct tags) and semantic
// constraints the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return errors.Errorf("invalid config: field %q fails %q", e.Namespace(), e.Tag())
		}
		return errors.Wrap(err, "invalid config")
	}

	for _, fn := range c.Functions.All() {
		if err := validate.Struct(fn); err != nil {
			return errors.Wrapf(err, "invalid function %q", fn.Name)
		}
		if !strings.Contains(fn.Handler, ".") {
			return errors.Errorf("function %q: handler %q must be in path/to/module.export form",
				fn.Name, fn.Handler)
		}
	}

	// WebSocket route keys select exactly one function; duplicates
	// would make dispatch ambiguous.
	seenRoutes := make(map[string]string)
	for _, fn := range c.Functions.All() {
		for _, ev := range fn.Events {
			if ev.HTTP != nil && ev.WebSocket != nil {
				return errors.Errorf("function %q: event binds both http and websocket", fn.Name)
			}
			if ev.HTTP == nil && ev.WebSocket == nil {
				return errors.Errorf("function %q: event binds neither http nor websocket", fn.Name)
			}
			if ev.WebSocket != nil {
				if prev, dup := seenRoutes[ev.WebSocket.Route]; dup {
					return errors.Errorf("route %q bound to both %q and %q",
						ev.WebSocket.Route, prev, fn.Name)
				}
				seenRoutes[ev.WebSocket.Route] = fn.Name
			}
		}
	}

	return nil
}

// itoa avoids importing strconv for one conversion.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
