package device

import (
	"fmt"
	"os"

	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
	"gopkg.in/yaml.v3"
)

// Config describes one simulated GPU.
type Config struct {
	Name string `yaml:"name"`

	// Semaphore sea layout.
	PoolCount uint   `yaml:"pool_count"`
	PageSize  uint64 `yaml:"page_size"`
	SlotSize  uint64 `yaml:"slot_size"`
	Sentinel  uint32 `yaml:"sentinel"`

	// GPU VA layout. The top KernelSize bytes of every address space are
	// laid out identically and host the sea's read-only mapping.
	VASize     uint64 `yaml:"va_size"`
	KernelSize uint64 `yaml:"kernel_size"`
	UserBase   uint64 `yaml:"user_base"`

	// DMA backing. An empty SharedPath keeps the sea in process memory.
	SharedPath string `yaml:"shared_path"`
	DMABudget  uint64 `yaml:"dma_budget"`

	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Name:       "gpu0",
		PoolCount:  semaphore.PoolCount,
		PageSize:   semaphore.PageSize,
		SlotSize:   semaphore.SlotSize,
		Sentinel:   semaphore.Sentinel,
		VASize:     1 << 37,
		KernelSize: 1 << 32,
		UserBase:   1 << 20,
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, utils.WrapError(err, "read device config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, utils.WrapError(err, "parse device config "+path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) SeaConfig() semaphore.SeaConfig {
	return semaphore.SeaConfig{
		PageSize:  c.PageSize,
		SlotSize:  c.SlotSize,
		PoolCount: c.PoolCount,
		Sentinel:  c.Sentinel,
	}
}

// SeaBase is where the sea's read-only mapping lives in every address space.
func (c Config) SeaBase() uint64 {
	return c.VASize - c.KernelSize
}

// UserSize is the span of the window non-fixed mappings come from.
func (c Config) UserSize() uint64 {
	return c.SeaBase() - c.UserBase
}

func (c Config) Validate() error {
	if err := c.SeaConfig().Validate(); err != nil {
		return utils.WrapError(err, "invalid device config")
	}
	if _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return utils.WrapError(err, "invalid device config")
	}

	seaSize := c.PageSize * uint64(c.PoolCount)
	switch {
	case c.KernelSize%vm.MIN_VA_BLOCK != 0 || c.UserBase%vm.MIN_VA_BLOCK != 0:
		return fmt.Errorf("invalid device config: kernel size and user base must be %d aligned", vm.MIN_VA_BLOCK)
	case c.KernelSize >= c.VASize:
		return fmt.Errorf("invalid device config: kernel size 0x%x not below VA size 0x%x", c.KernelSize, c.VASize)
	case c.KernelSize < seaSize:
		return fmt.Errorf("invalid device config: kernel size 0x%x cannot hold sea of 0x%x", c.KernelSize, seaSize)
	case c.UserBase >= c.SeaBase():
		return fmt.Errorf("invalid device config: user base 0x%x overlaps kernel window 0x%x", c.UserBase, c.SeaBase())
	case c.DMABudget != 0 && c.DMABudget < seaSize:
		return fmt.Errorf("invalid device config: DMA budget %d smaller than sea %d", c.DMABudget, seaSize)
	}
	return nil
}
