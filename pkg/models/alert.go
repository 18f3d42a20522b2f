package models

// AlertArtifact is an observable attached to a destination alert.
type AlertArtifact struct {
	DataType string   `json:"dataType"`
	Data     string   `json:"data"`
	Message  string   `json:"message,omitempty"`
	Tags     []string `json:"tags"`
}

// Alert is the case-management alert created from an offense.
type Alert struct {
	ID           string          `json:"id,omitempty"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Severity     int             `json:"severity"`
	Date         int64           `json:"date"`
	Tags         []string        `json:"tags"`
	TLP          int             `json:"tlp"`
	PAP          int             `json:"pap"`
	Status       string          `json:"status,omitempty"`
	Type         string          `json:"type"`
	Source       string          `json:"source"`
	SourceRef    string          `json:"sourceRef"`
	Artifacts    []AlertArtifact `json:"artifacts"`
	CaseTemplate string          `json:"caseTemplate,omitempty"`
}
