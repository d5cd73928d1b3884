package project

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Specification is the immutable input describing the desired project.
// Beyond the structural checks below it is opaque: the raw text is
// handed to the provider verbatim.
type Specification struct {
	// Name is the project name. Required.
	Name string `json:"name" koanf:"name"`

	// Description states what the project should do. Required.
	Description string `json:"description" koanf:"description"`

	// Language is the requested implementation language, if any.
	Language string `json:"language,omitempty" koanf:"language"`

	// Framework is the requested framework, if any.
	Framework string `json:"framework,omitempty" koanf:"framework"`

	// Features lists requested capabilities, if any.
	Features []string `json:"features,omitempty" koanf:"features"`

	// Raw is the original specification text as submitted.
	Raw string `json:"raw"`
}

// ParseSpecification parses and validates a YAML specification.
// Malformed YAML or missing required fields yield ErrValidation.
func ParseSpecification(data []byte) (*Specification, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: empty specification", ErrValidation)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: parsing specification: %v", ErrValidation, err)
	}

	var spec Specification
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, fmt.Errorf("%w: decoding specification: %v", ErrValidation, err)
	}
	spec.Raw = string(data)

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the structural requirements.
func (s *Specification) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: specification name is required", ErrValidation)
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("%w: specification description is required", ErrValidation)
	}
	return nil
}
