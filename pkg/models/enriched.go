package models

// Artifact is an observable extracted during enrichment.
type Artifact struct {
	Data     string   `json:"data"`
	DataType string   `json:"dataType"`
	Message  string   `json:"message"`
	Tags     []string `json:"tags,omitempty"`
}

// LogEvent is one raw log line returned by the offense log search.
type LogEvent struct {
	Date    string `json:"Date"`
	Payload string `json:"utf8_payload"`
}

// SearchResult is the body of an analytic search result.
type SearchResult struct {
	Events []map[string]interface{} `json:"events"`
}

// EnrichedOffense is a pipeline-owned offense copy with resolved context.
type EnrichedOffense struct {
	Offense

	OffenseTypeName string     `json:"offense_type_str"`
	Artifacts       []Artifact `json:"artifacts"`
	Logs            []LogEvent `json:"logs"`
	RuleNames       []string   `json:"rule_names,omitempty"`
	RuleTags        []string   `json:"rule_tags,omitempty"`
}
