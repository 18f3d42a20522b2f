package mapper

import (
	"fmt"
	"strconv"
	"strings"

	"offensesync/pkg/models"
)

// OffenseURL is the console deep link for an offense.
func OffenseURL(host string, offenseID int64) string {
	return "https://" + host + "/console/qradar/jsp/QRadar.jsp?" +
		"appName=Sem&pageId=OffenseSummary&summaryId=" + strconv.FormatInt(offenseID, 10)
}

// Description renders the markdown alert body.
func Description(offense *models.EnrichedOffense, host string) string {
	var b strings.Builder

	b.WriteString("## Summary\n\n")
	b.WriteString("|                         |               |\n")
	b.WriteString("| ----------------------- | ------------- |\n")
	row(&b, "**Offense ID**", strconv.FormatInt(offense.ID, 10))
	row(&b, "**Description**", strings.ReplaceAll(offense.Description, "\n", ""))
	row(&b, "**Offense Type**", offense.OffenseTypeName)
	row(&b, "**Offense Source**", offense.OffenseSource)
	row(&b, "**Destination Network**", strings.Join(offense.DestinationNetworks, ", "))
	row(&b, "**Source Network**", offense.SourceNetwork)
	if len(offense.RuleNames) > 0 {
		row(&b, "**Rules**", strings.Join(offense.RuleNames, ", "))
	}
	b.WriteString("\n\n\n\n\n\n```\n")

	for _, log := range offense.Logs {
		b.WriteString(log.Payload)
		b.WriteString("\n")
	}

	b.WriteString("```\n\n")
	b.WriteString(OffenseURL(host, offense.ID))
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "| %-23s | %s |\n", label, value)
}
