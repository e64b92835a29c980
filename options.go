package corert

// Option configures a Config via NewConfig. Functional options let callers
// opt into only the settings they care about while leaving sane defaults
// for the rest, the same pattern the rest of this runtime's ambient stack
// follows for its own constructors.
type Option func(*Config)

// NewConfig builds a Config from the given options, starting from the
// same defaults NewScheduler itself falls back to.
func NewConfig(opts ...Option) Config {
	cfg := Config{Workers: 1}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithUseCaller folds the goroutine that calls Start into the worker pool
// as worker 0.
func WithUseCaller(use bool) Option {
	return func(c *Config) { c.UseCaller = use }
}

// WithName sets the scheduler's name, used only in log lines.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}
