package models

// ClusteringParams configures a clustering run.
type ClusteringParams struct {
	Resolution float64 `json:"resolution"`
	NPCs       int     `json:"n_pcs"`
}

// AnnotationParams configures cell type annotation.
type AnnotationParams struct {
	ReferenceDataset string `json:"reference_dataset"`
}

// DifferentialExpressionParams configures a two-group comparison.
type DifferentialExpressionParams struct {
	Group1     []string `json:"group1"`
	Group2     []string `json:"group2"`
	TestMethod string   `json:"test_method"`
}

// CatalogParams carries free-form parameters for kinds registered from the
// script catalog. Values are rendered into flags by the catalog entry.
type CatalogParams map[string]any
