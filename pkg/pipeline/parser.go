package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parser builds validated definition trees from YAML documents.
type Parser struct {
	validator *Validator
}

// NewParser creates a new pipeline parser
func NewParser() *Parser {
	return &Parser{validator: NewValidator()}
}

// Parse parses a single pipeline definition from YAML bytes and validates
// it. The returned tree satisfies every structural invariant checked by
// Validator; callers can hand it to the engine directly.
func (p *Parser) Parse(data []byte) (*Pipeline, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pipeline document cannot be empty")
	}

	var pl Pipeline
	if err := yaml.Unmarshal(data, &pl); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline document: %w", err)
	}

	if err := p.validator.Validate(&pl); err != nil {
		return nil, err
	}

	return &pl, nil
}

// ParseCatalog parses a catalog document holding any number of pipelines.
// Every pipeline is validated individually and names must be unique across
// the catalog.
func (p *Parser) ParseCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("catalog document cannot be empty")
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog document: %w", err)
	}

	if err := p.validator.ValidateCatalog(&catalog); err != nil {
		return nil, err
	}

	return &catalog, nil
}

// LoadFile reads a pipeline definition from a file on disk
func (p *Parser) LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return p.Parse(data)
}

// LoadCatalogFile reads a catalog document from a file on disk
func (p *Parser) LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return p.ParseCatalog(data)
}
