package guardsmith

import "time"

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	configPath  string
	registryDir string
	auditPath   string
	engineURL   string
	interval    time.Duration
	noRefresh   bool
}

// WithConfig sets the path to a guardsmith.yaml. Empty means the default
// location under the home directory.
func WithConfig(path string) Option {
	return func(c *clientConfig) { c.configPath = path }
}

// WithRegistryDir overrides the filesystem registry location.
func WithRegistryDir(dir string) Option {
	return func(c *clientConfig) { c.registryDir = dir }
}

// WithAuditLog overrides the decision log path.
func WithAuditLog(path string) Option {
	return func(c *clientConfig) { c.auditPath = path }
}

// WithEngine sets the decision engine URL, enabling engine confirmation for
// the configured action classes. The bearer token resolves from the
// environment.
func WithEngine(url string) Option {
	return func(c *clientConfig) { c.engineURL = url }
}

// WithRefreshInterval overrides how often the client polls the registry for
// a new bundle.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *clientConfig) { c.interval = d }
}

// WithoutRefresh disables background bundle tracking. The bundle loaded at
// New is enforced until the process restarts.
func WithoutRefresh() Option {
	return func(c *clientConfig) { c.noRefresh = true }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	class string
}

// WrapWithClass sets the action class for every call through this wrap,
// used for engine confirmation routing. An Action's own Class wins when set.
func WrapWithClass(class string) WrapOption {
	return func(w *wrapConfig) { w.class = class }
}
