package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding embedded guideline chunks.
const ClassName = "GuidelineChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema checks that the GuidelineChunk class exists with all
// required properties, creating whatever is missing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // deterministic content-addressed id (exact match)
		},
		{
			Name:     "sourceId",
			DataType: []string{"string"},
		},
		{
			Name:     "version",
			DataType: []string{"int"},
		},
		{
			Name:     "pass",
			DataType: []string{"string"}, // interactive | automated
		},
		{
			Name:     "sectionPath",
			DataType: []string{"string"},
		},
		{
			Name:     "kind",
			DataType: []string{"string"},
		},
		{
			Name:     "pageFirst",
			DataType: []string{"int"},
		},
		{
			Name:     "pageLast",
			DataType: []string{"int"},
		},
		{
			Name:     "locator",
			DataType: []string{"string"}, // guideline page code, e.g. BINV-5
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "contentHash",
			DataType: []string{"string"},
		},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "An embedded chunk of a clinical guideline document",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	// Class exists, check for missing properties
	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
