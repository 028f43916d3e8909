package httpserver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// JobConfig is the YAML document uploaded alongside the code. Struct field
// order matches the order missing fields are reported in.
type JobConfig struct {
	CompetitionID string `yaml:"competition_id" validate:"required"`
	ProjectID     string `yaml:"project_id" validate:"required"`
	UserID        string `yaml:"user_id" validate:"required"`
	ExpectedTime  int    `yaml:"expected_time" validate:"required,gte=1"`
	Token         string `yaml:"token" validate:"required"`
}

// yamlNames maps struct fields back to their wire names for error messages.
var yamlNames = map[string]string{
	"CompetitionID": "competition_id",
	"ProjectID":     "project_id",
	"UserID":        "user_id",
	"ExpectedTime":  "expected_time",
	"Token":         "token",
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ParseJobConfig decodes and validates an uploaded YAML config. The first
// violation wins so clients get one actionable message at a time.
func ParseJobConfig(raw []byte) (JobConfig, error) {
	var jc JobConfig
	if err := yaml.Unmarshal(raw, &jc); err != nil {
		return JobConfig{}, fmt.Errorf("%w: Invalid YAML format: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(jc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			name := yamlNames[fe.StructField()]
			if fe.Tag() == "required" {
				return JobConfig{}, fmt.Errorf("%w: Missing required field: %s", domain.ErrInvalidArgument, name)
			}
			return JobConfig{}, fmt.Errorf("%w: Invalid value for field: %s", domain.ErrInvalidArgument, name)
		}
		return JobConfig{}, fmt.Errorf("%w: invalid config: %v", domain.ErrInvalidArgument, err)
	}
	return jc, nil
}
