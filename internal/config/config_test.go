package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testConfig struct {
	Units    int           `yaml:"units"`
	Name     string        `yaml:"name"`
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`
	Dirs     []string      `yaml:"dirs"`
}

func (c *testConfig) Validate(ac *AnomalyCollector) {
	CheckNotNegative(ac, "Units", &c.Units, 4)
	CheckNotZero(ac, "Units", &c.Units, 4)
	CheckNotEmpty(ac, "Name", &c.Name, "pscull")
	CheckOneOf(ac, "Mode", &c.Mode, "blocking", "blocking", "async")
	CheckNotNegative(ac, "Interval", &c.Interval, time.Second)
	CheckLen(ac, "Dirs", &c.Dirs, []string{"."})
}

func Test_Checks(t *testing.T) {
	assert := assert.New(t)

	cfg := &testConfig{
		Units:    -1,
		Mode:     "polling",
		Interval: -time.Millisecond,
	}

	ac := newAnomalyCollector()
	cfg.Validate(ac)

	assert.Equal(4, cfg.Units)
	assert.Equal("pscull", cfg.Name)
	assert.Equal("blocking", cfg.Mode)
	assert.Equal(time.Second, cfg.Interval)
	assert.Equal([]string{"."}, cfg.Dirs)

	assert.Equal(5, ac.len())
}

func Test_CheckBounds(t *testing.T) {
	assert := assert.New(t)

	ac := newAnomalyCollector()

	low := 1
	CheckNotLower(ac, "Low", &low, 2)
	assert.Equal(2, low)

	initial, maxVal := 10, 8
	CheckNotGreaterThan(ac, "Initial", "Max", &initial, maxVal)
	assert.Equal(8, initial)

	minVal := 3
	CheckNotLowerThan(ac, "Initial", "Min", &initial, minVal)
	assert.Equal(8, initial)

	assert.Equal(2, ac.len())
}

func Test_AnomalyString(t *testing.T) {
	assert := assert.New(t)

	ac := newAnomalyCollector()

	mode := "polling"
	CheckOneOf(ac, "Mode", &mode, "blocking", "blocking", "async")

	for an := range ac.iter() {
		assert.Equal("Mode must be one of [blocking async]: got polling, using blocking", an.String())
	}
}

func Test_LoadYAML(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "pscull.yaml")

	content := "units: 2\nmode: async\ninterval: 250ms\ndirs: [a, b]\n"
	assert.NoError(os.WriteFile(path, []byte(content), 0o644))

	cfg := &testConfig{Name: "default"}
	assert.NoError(LoadYAML(path, cfg))

	assert.Equal(2, cfg.Units)
	assert.Equal("default", cfg.Name)
	assert.Equal("async", cfg.Mode)
	assert.Equal(250*time.Millisecond, cfg.Interval)
	assert.Equal([]string{"a", "b"}, cfg.Dirs)
}

func Test_LoadYAMLErrors(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	assert.Error(LoadYAML(filepath.Join(dir, "missing.yaml"), &testConfig{}))

	unknown := filepath.Join(dir, "unknown.yaml")
	assert.NoError(os.WriteFile(unknown, []byte("colour: blue\n"), 0o644))
	assert.Error(LoadYAML(unknown, &testConfig{}))

	empty := filepath.Join(dir, "empty.yaml")
	assert.NoError(os.WriteFile(empty, nil, 0o644))
	cfg := &testConfig{Units: 3}
	assert.NoError(LoadYAML(empty, cfg))
	assert.Equal(3, cfg.Units)
}
