package plan

import "strings"

// Tier is a regional price bracket. Every country/region code maps to exactly
// one of four tiers; richer markets sit in higher tiers.
type Tier int

const (
	Tier1 Tier = 1 // lowest-priced bracket, also the fallback for unmapped regions
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// LowestTier is the fallback bracket for region codes not present in the map,
// so checkout always has a price to show.
const LowestTier = Tier1

// defaultTierMap assigns ISO 3166-1 alpha-2 codes to price tiers.
// Unlisted codes fall back to LowestTier rather than failing.
var defaultTierMap = map[string]Tier{
	// Tier 4
	"US": Tier4, "CA": Tier4, "GB": Tier4, "AU": Tier4, "CH": Tier4,
	"NO": Tier4, "DK": Tier4, "SE": Tier4, "IE": Tier4, "NZ": Tier4,
	// Tier 3
	"DE": Tier3, "FR": Tier3, "NL": Tier3, "BE": Tier3, "AT": Tier3,
	"FI": Tier3, "IT": Tier3, "ES": Tier3, "JP": Tier3, "SG": Tier3,
	"IL": Tier3, "AE": Tier3,
	// Tier 2
	"PT": Tier2, "GR": Tier2, "PL": Tier2, "CZ": Tier2, "SK": Tier2,
	"HU": Tier2, "EE": Tier2, "LV": Tier2, "LT": Tier2, "KR": Tier2,
	"TW": Tier2, "CL": Tier2, "UY": Tier2, "SA": Tier2,
	// Tier 1
	"BR": Tier1, "MX": Tier1, "AR": Tier1, "CO": Tier1, "PE": Tier1,
	"IN": Tier1, "ID": Tier1, "PH": Tier1, "VN": Tier1, "TH": Tier1,
	"TR": Tier1, "EG": Tier1, "NG": Tier1, "KE": Tier1, "ZA": Tier1,
	"UA": Tier1, "RS": Tier1, "GE": Tier1,
}

// ResolveTier maps a country/region code to a price tier. Unknown or empty
// codes resolve to LowestTier so region lookup never fails.
func ResolveTier(region string) Tier {
	if t, ok := defaultTierMap[strings.ToUpper(strings.TrimSpace(region))]; ok {
		return t
	}
	return LowestTier
}
