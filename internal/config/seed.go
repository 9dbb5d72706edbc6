package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedCP 预注册充电桩条目
type SeedCP struct {
	ID          string  `yaml:"id"`
	City        string  `yaml:"city"`
	PricePerKWh float64 `yaml:"price_per_kwh"`
}

// SeedFile 预注册清单文件结构
type SeedFile struct {
	ChargingPoints []SeedCP `yaml:"charging_points"`
}

// LoadSeed 读取预注册充电桩清单。文件缺失返回空清单而非错误，
// 允许纯动态注册的部署不带种子文件。
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SeedFile{}, nil
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, cp := range sf.ChargingPoints {
		if cp.ID == "" {
			return nil, fmt.Errorf("seed entry %d: missing id", i)
		}
		if cp.PricePerKWh < 0 {
			return nil, fmt.Errorf("seed entry %s: negative price", cp.ID)
		}
	}
	return &sf, nil
}
