// Package runner implements the judge worker: it polls the task queue,
// compiles submissions, runs them in the sandbox and checks their output,
// streaming status updates back to the scheduler.
package runner

import "time"

// Config holds the runner agent settings.
type Config struct {
	// ID identifies this runner in heartbeat and in-progress keys.
	ID string `yaml:"id"`

	WorkingDir string `yaml:"workingDir"`
	CacheDir   string `yaml:"cacheDir"`

	PollTimeout       time.Duration `yaml:"pollTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeatTTL"`

	// StatusUpdateTTL bounds how long unread progress lists stay in redis.
	StatusUpdateTTL time.Duration `yaml:"statusUpdateTTL"`

	CacheMaxAge        time.Duration `yaml:"cacheMaxAge"`
	CacheClearInterval time.Duration `yaml:"cacheClearInterval"`

	// GitSSHPrivateKey is bind-mounted into clone sandboxes when set.
	GitSSHPrivateKey string `yaml:"gitSSHPrivateKey"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.WorkingDir == "" {
		c.WorkingDir = "/var/lib/judge/work"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/judge/cache"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = time.Minute
	}
	if c.StatusUpdateTTL <= 0 {
		c.StatusUpdateTTL = time.Hour
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 24 * time.Hour
	}
	if c.CacheClearInterval <= 0 {
		c.CacheClearInterval = 24 * time.Hour
	}
}

// filenames inside the sandbox working directory
const (
	execFileName    = "code"
	cxxFileName     = "code.cpp"
	verilogFileName = "answer.v"
	outputFileName  = "ouf"
)

var cxxFlags = []string{"-fmax-errors=10", "-O2", "-DONLINE_JUDGE", "-std=c++17"}

var gitCloneFlags = []string{"--depth", "1", "--recurse-submodules", "--shallow-submodules"}

// gitEnv pins git behavior inside the build sandbox.
var gitEnv = []string{
	"GIT_CONFIG_COUNT=2",
	"GIT_CONFIG_KEY_0=safe.directory",
	"GIT_CONFIG_VALUE_0=*",
	"GIT_CONFIG_KEY_1=url.git@github.com:.insteadOf",
	"GIT_CONFIG_VALUE_1=https://github.com/",
}

// taskEnv is the environment untrusted programs see.
var taskEnv = []string{
	"PATH=/usr/bin:/bin",
	"CI=true",
	"CI_ENV=testing",
	"ONLINE_JUDGE=true",
	"TAOJ=true",
}
