package mapper

import (
	"strconv"

	"offensesync/internal/enrich"
	"offensesync/pkg/models"
)

// Fixed alert fields.
const (
	AlertSource = "QRadar_Offenses"
	AlertType   = "internal"
	AlertStatus = "Imported"
	DefaultTLP  = 2
	DefaultPAP  = 2
)

const (
	otherDataType = "other"
	typeTagPrefix = "type:"
)

// ProvenanceTags are added to every alert.
var ProvenanceTags = []string{"QRadar", "Offense"}

// Config configures the mapper.
type Config struct {
	QRadarHost   string // host used in the offense deep link
	CaseTemplate string
}

// Mapper turns enriched offenses into alerts. It performs no I/O.
type Mapper struct {
	host         string
	caseTemplate string
	known        map[string]struct{}
}

// New creates a mapper.
func New(cfg Config) *Mapper {
	known := make(map[string]struct{}, len(enrich.ObservableDataTypes))
	for _, dt := range enrich.ObservableDataTypes {
		known[dt] = struct{}{}
	}
	return &Mapper{host: cfg.QRadarHost, caseTemplate: cfg.CaseTemplate, known: known}
}

// Severity buckets a 1-10 offense severity into low (1), medium (2) or high (3).
func Severity(severity int) int {
	switch {
	case severity < 5:
		return 1
	case severity < 7:
		return 2
	case severity < 11:
		return 3
	default:
		return 1
	}
}

// Map builds the alert for an enriched offense.
func (m *Mapper) Map(offense *models.EnrichedOffense) *models.Alert {
	return &models.Alert{
		Title:        offense.Description,
		Description:  Description(offense, m.host),
		Severity:     Severity(offense.Severity),
		Date:         offense.StartTime,
		Tags:         Tags(offense),
		TLP:          DefaultTLP,
		PAP:          DefaultPAP,
		Status:       AlertStatus,
		Type:         AlertType,
		Source:       AlertSource,
		SourceRef:    strconv.FormatInt(offense.ID, 10),
		Artifacts:    m.artifacts(offense.Artifacts),
		CaseTemplate: m.caseTemplate,
	}
}

// Tags returns the provenance tags followed by the offense categories and rule tags.
func Tags(offense *models.EnrichedOffense) []string {
	tags := make([]string, 0, len(ProvenanceTags)+len(offense.Categories)+len(offense.RuleTags))
	tags = append(tags, ProvenanceTags...)
	tags = append(tags, offense.Categories...)
	tags = append(tags, offense.RuleTags...)
	return tags
}

func (m *Mapper) artifacts(in []models.Artifact) []models.AlertArtifact {
	out := make([]models.AlertArtifact, 0, len(in))
	for _, a := range in {
		if _, ok := m.known[a.DataType]; ok {
			tags := append([]string{}, a.Tags...)
			out = append(out, models.AlertArtifact{DataType: a.DataType, Data: a.Data, Message: a.Message, Tags: tags})
			continue
		}
		out = append(out, models.AlertArtifact{
			DataType: otherDataType,
			Data:     a.Data,
			Message:  a.Message,
			Tags:     []string{typeTagPrefix + a.DataType},
		})
	}
	return out
}
