// Package script writes the text a user reads to a provider's support line
// when asking for an outage credit.
package script

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/eligibility"
	"github.com/vietddude/outagewatch/internal/core/money"
)

const timeLayout = "Mon Jan 2, 2006 15:04 MST"

var claimTemplate = template.Must(template.New("claim").Parse(`Hello {{.ProviderName}} support,

I am calling about a {{.Service}} outage on my account and would like to request a service credit.

Outage started: {{.Start}}
Outage ended: {{.End}}
Total duration: {{.Duration}}

This is longer than your service commitment allows. Based on your credit terms I am requesting a credit of ${{.Credit}} on my next bill.

Can you confirm the amount and the statement it will appear on?

Thank you.`))

// Tips are shown with every script, in this order.
var Tips = []string{
	"Have your account number and the outage dates ready before you call.",
	"Call on a weekday morning for shorter hold times.",
	"Ask for a reference number for the credit request and note the agent's name.",
	"If the agent declines, politely ask for the retention or loyalty department.",
	"Check your next bill and follow up if the credit is missing.",
}

var serviceNames = map[domain.Category]string{
	domain.CategoryInternet:    "internet",
	domain.CategoryMobile:      "mobile",
	domain.CategoryElectricity: "power",
	domain.CategoryTV:          "TV",
	domain.CategoryWater:       "water",
	domain.CategoryGas:         "gas",
}

// Input is everything a script is built from.
type Input struct {
	ProviderName string
	Category     domain.Category
	Start        time.Time
	End          time.Time
	Credit       money.Amount
	Contact      directory.Provider
}

// FromClaim builds the input for a stored claim.
func FromClaim(c *domain.Claim, contact directory.Provider) Input {
	return Input{
		ProviderName: c.ProviderName,
		Category:     c.Category,
		Start:        c.OutageStart,
		End:          c.OutageEnd,
		Credit:       c.EstimatedCredit,
		Contact:      contact,
	}
}

// Generator renders scripts. It keeps no state between calls.
type Generator struct {
	loc *time.Location
}

// NewGenerator creates a generator that prints times in loc (UTC when nil).
func NewGenerator(loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{loc: loc}
}

// Generate builds the script for an eligible outage on a connection.
func (g *Generator) Generate(conn *domain.Connection, o domain.DetectedOutage, res eligibility.Result, contact directory.Provider) (*domain.GeneratedClaimScript, error) {
	return g.Render(Input{
		ProviderName: conn.ProviderName,
		Category:     conn.Category,
		Start:        o.StartTime,
		End:          o.EffectiveEnd(res.EvaluatedAt),
		Credit:       res.EstimatedCredit,
		Contact:      contact,
	})
}

// Render builds a script from in. Equal inputs give equal scripts.
func (g *Generator) Render(in Input) (*domain.GeneratedClaimScript, error) {
	name := in.ProviderName
	if name == "" {
		name = in.Contact.Name
	}
	service, ok := serviceNames[in.Category]
	if !ok {
		service = string(in.Category)
	}

	var buf bytes.Buffer
	err := claimTemplate.Execute(&buf, map[string]string{
		"ProviderName": name,
		"Service":      service,
		"Start":        in.Start.In(g.loc).Format(timeLayout),
		"End":          in.End.In(g.loc).Format(timeLayout),
		"Duration":     formatDuration(in.End.Sub(in.Start)),
		"Credit":       in.Credit.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("render claim script: %w", err)
	}

	return &domain.GeneratedClaimScript{
		Text:         buf.String(),
		SupportURL:   in.Contact.SupportURL,
		SupportPhone: in.Contact.SupportPhone,
		Tips:         append([]string(nil), Tips...),
	}, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + " " + plural(minutes, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
