package graph

// ExtractedEntity is one entity the model found in a chunk.
type ExtractedEntity struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ExtractedRelationship is one typed edge between two extracted entities.
type ExtractedRelationship struct {
	Type         string `json:"type"`
	SourceEntity string `json:"source_entity"`
	SourceType   string `json:"source_type"`
	TargetEntity string `json:"target_entity"`
	TargetType   string `json:"target_type"`
	Description  string `json:"description"`
}

// ExtractionResult holds the validated output for one chunk.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Empty reports whether nothing was extracted.
func (r ExtractionResult) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relationships) == 0
}
