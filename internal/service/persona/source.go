package persona

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
)

// Source loads the full persona set (active and inactive) from wherever personas are authored.
type Source interface {
	Load(ctx context.Context) ([]persona.Persona, error)
}

// SeedSource serves the built-in roster.
type SeedSource struct{}

// Load returns persona.Seed().
func (SeedSource) Load(context.Context) ([]persona.Persona, error) {
	return persona.Seed(), nil
}

// StaticSource serves a fixed slice. Mostly useful in tests and tools.
type StaticSource []persona.Persona

// Load returns a copy of the slice.
func (s StaticSource) Load(context.Context) ([]persona.Persona, error) {
	return append([]persona.Persona(nil), s...), nil
}

// FileSource reads personas from a YAML document:
//
//	personas:
//	  - id: advisor
//	    display_name: Advisor
//	    instructions: |
//	      ...
type FileSource struct {
	Path string
}

type fileDocument struct {
	Personas []fileEntry `yaml:"personas"`
}

type fileEntry struct {
	ID           string  `yaml:"id"`
	DisplayName  string  `yaml:"display_name"`
	Instructions string  `yaml:"instructions"`
	ModelID      string  `yaml:"model_id"`
	Temperature  float64 `yaml:"temperature"`
	// active 缺省视为 true，方便手写配置
	Active      *bool  `yaml:"active"`
	Description string `yaml:"description"`
	OpeningLine string `yaml:"opening_line"`
	Order       int    `yaml:"order"`
}

// Load parses the YAML file on every call so reloads pick up edits.
func (s FileSource) Load(_ context.Context) ([]persona.Persona, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read persona file %s: %w", s.Path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", s.Path, err)
	}

	items := make([]persona.Persona, 0, len(doc.Personas))
	for _, entry := range doc.Personas {
		items = append(items, persona.Persona{
			ID:           entry.ID,
			DisplayName:  entry.DisplayName,
			Instructions: entry.Instructions,
			ModelID:      entry.ModelID,
			Temperature:  entry.Temperature,
			Active:       entry.Active == nil || *entry.Active,
			Description:  entry.Description,
			OpeningLine:  entry.OpeningLine,
			Order:        entry.Order,
		})
	}
	return items, nil
}

// SQLSource reads personas from the table maintained by the external persona CRUD store.
// The registry never writes to it.
type SQLSource struct {
	DB *sql.DB
}

const selectPersonas = `
	SELECT id, display_name, instructions, model_id, temperature, is_active, description, opening_line, display_order
	FROM personas
	ORDER BY display_order, id`

// Load selects every persona row.
func (s SQLSource) Load(ctx context.Context) ([]persona.Persona, error) {
	rows, err := s.DB.QueryContext(ctx, selectPersonas)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var items []persona.Persona
	for rows.Next() {
		var p persona.Persona
		var description, openingLine sql.NullString
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Instructions, &p.ModelID, &p.Temperature, &p.Active, &description, &openingLine, &p.Order); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		p.Description = description.String
		p.OpeningLine = openingLine.String
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return items, nil
}
