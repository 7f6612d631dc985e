package adapter

import "github.com/ehrsync/ehrsync/internal/sync/provider"

// Profile captures how one vendor deviates from the shared FHIR R4 surface:
// auth flavor, paging limits, incremental-search support, and which resource
// types the vendor exposes. Adding a vendor means adding a profile, not an
// adapter.
type Profile struct {
	Provider     provider.Type
	Auth         AuthStyle
	Scope        string
	SinceParam   string
	Capabilities Capabilities
}

var coreResources = []string{
	"Patient", "Encounter", "Observation", "Condition",
	"MedicationOrder", "AllergyIntolerance", "Immunization", "DocumentReference",
}

var profiles = map[provider.Type]Profile{
	provider.Epic: {
		Provider:   provider.Epic,
		Auth:       AuthJWTAssertion,
		Scope:      "system/*.read system/*.write",
		SinceParam: "_lastUpdated",
		Capabilities: Capabilities{
			Resources:     coreResources,
			SupportsPush:  true,
			SupportsSince: true,
			MaxPageSize:   100,
		},
	},
	provider.Cerner: {
		Provider:   provider.Cerner,
		Auth:       AuthJWTAssertion,
		Scope:      "system/Patient.read system/Observation.read system/MedicationOrder.write",
		SinceParam: "_lastUpdated",
		Capabilities: Capabilities{
			Resources:     coreResources,
			SupportsPush:  true,
			SupportsSince: true,
			MaxPageSize:   50,
		},
	},
	provider.Allscripts: {
		Provider: provider.Allscripts,
		Auth:     AuthClientSecret,
		Capabilities: Capabilities{
			Resources:     []string{"Patient", "Encounter", "Observation", "Condition", "MedicationOrder"},
			SupportsPush:  true,
			SupportsSince: false,
			MaxPageSize:   50,
		},
	},
	provider.Athenahealth: {
		Provider:   provider.Athenahealth,
		Auth:       AuthClientSecret,
		Scope:      "system/Patient.read",
		SinceParam: "_lastUpdated",
		Capabilities: Capabilities{
			Resources:     coreResources,
			SupportsPush:  true,
			SupportsSince: true,
			MaxPageSize:   100,
		},
	},
	provider.EClinicalWorks: {
		Provider: provider.EClinicalWorks,
		Auth:     AuthAPIKey,
		Capabilities: Capabilities{
			Resources:     []string{"Patient", "Encounter", "Observation", "MedicationOrder"},
			SupportsPush:  false,
			SupportsSince: false,
			MaxPageSize:   25,
		},
	},
	provider.NextGen: {
		Provider:   provider.NextGen,
		Auth:       AuthClientSecret,
		SinceParam: "_lastUpdated",
		Capabilities: Capabilities{
			Resources:     []string{"Patient", "Encounter", "Observation", "Condition", "AllergyIntolerance"},
			SupportsPush:  true,
			SupportsSince: true,
			MaxPageSize:   50,
		},
	},
	provider.Meditech: {
		Provider: provider.Meditech,
		Auth:     AuthAPIKey,
		Capabilities: Capabilities{
			Resources:     []string{"Patient", "Observation", "Condition"},
			SupportsPush:  false,
			SupportsSince: false,
			MaxPageSize:   25,
		},
	},
}

// ProfileFor returns the vendor profile for t.
func ProfileFor(t provider.Type) (Profile, bool) {
	p, ok := profiles[t]
	return p, ok
}
