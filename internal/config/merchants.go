package config

import (
	"fmt"

	"github.com/spf13/viper"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/routing"
)

type merchantsFile struct {
	Merchants []domain.MerchantConfig `mapstructure:"merchants"`
}

// LoadMerchants reads the merchant YAML at path and validates every routing
// policy against the merchant's accounts. Viper lower-cases map keys, so
// profile names and rule metadata keys are matched in lower case.
func LoadMerchants(path string) ([]domain.MerchantConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read merchant config %s: %v", domain.ErrConfiguration, path, err)
	}

	var file merchantsFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("%w: failed to decode merchant config %s: %v", domain.ErrConfiguration, path, err)
	}

	for i := range file.Merchants {
		if err := routing.ValidateMerchant(&file.Merchants[i]); err != nil {
			return nil, err
		}
	}
	return file.Merchants, nil
}
