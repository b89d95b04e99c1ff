package feedback

import (
	"sort"
	"strings"
)

// IssueCategory is the closed set of issue families a report can belong to.
type IssueCategory string

const (
	CategoryUnknown     IssueCategory = ""
	CategoryRoads       IssueCategory = "roads"
	CategoryWater       IssueCategory = "water"
	CategorySanitation  IssueCategory = "sanitation"
	CategoryElectricity IssueCategory = "electricity"
	CategorySafety      IssueCategory = "safety"
	CategoryHealth      IssueCategory = "health"
	CategoryParks       IssueCategory = "parks"
	CategoryTransport   IssueCategory = "transport"
	CategoryHousing     IssueCategory = "housing"
	CategoryEducation   IssueCategory = "education"
)

// FallbackDepartment handles anything without a more specific owner.
const FallbackDepartment = "Municipal Services"

// Categories lists every known category in display order.
var Categories = []IssueCategory{
	CategoryRoads,
	CategoryWater,
	CategorySanitation,
	CategoryElectricity,
	CategorySafety,
	CategoryHealth,
	CategoryParks,
	CategoryTransport,
	CategoryHousing,
	CategoryEducation,
}

// DefaultDepartment returns the department that owns c by default.
func DefaultDepartment(c IssueCategory) string {
	switch c {
	case CategoryRoads:
		return "Public Works"
	case CategoryWater:
		return "Water Utility"
	case CategorySanitation:
		return "Sanitation Department"
	case CategoryElectricity:
		return "Electricity Board"
	case CategorySafety:
		return "Police Department"
	case CategoryHealth:
		return "Health Department"
	case CategoryParks:
		return "Parks and Recreation"
	case CategoryTransport:
		return "Transportation Department"
	case CategoryHousing:
		return "Housing Authority"
	case CategoryEducation:
		return "Education Department"
	default:
		return FallbackDepartment
	}
}

// categoryTerms maps words that commonly show up in reports to a category.
var categoryTerms = map[string]IssueCategory{
	"road":        CategoryRoads,
	"roads":       CategoryRoads,
	"pothole":     CategoryRoads,
	"potholes":    CategoryRoads,
	"street":      CategoryRoads,
	"sidewalk":    CategoryRoads,
	"water":       CategoryWater,
	"pipe":        CategoryWater,
	"leak":        CategoryWater,
	"flooding":    CategoryWater,
	"sewage":      CategorySanitation,
	"garbage":     CategorySanitation,
	"trash":       CategorySanitation,
	"waste":       CategorySanitation,
	"sanitation":  CategorySanitation,
	"electricity": CategoryElectricity,
	"power":       CategoryElectricity,
	"outage":      CategoryElectricity,
	"streetlight": CategoryElectricity,
	"crime":       CategorySafety,
	"safety":      CategorySafety,
	"theft":       CategorySafety,
	"police":      CategorySafety,
	"health":      CategoryHealth,
	"hospital":    CategoryHealth,
	"clinic":      CategoryHealth,
	"park":        CategoryParks,
	"parks":       CategoryParks,
	"playground":  CategoryParks,
	"bus":         CategoryTransport,
	"traffic":     CategoryTransport,
	"transport":   CategoryTransport,
	"parking":     CategoryTransport,
	"housing":     CategoryHousing,
	"rent":        CategoryHousing,
	"eviction":    CategoryHousing,
	"school":      CategoryEducation,
	"schools":     CategoryEducation,
	"education":   CategoryEducation,
}

// ParseCategory maps a category name or a common synonym to a category.
// Unrecognized input returns CategoryUnknown.
func ParseCategory(s string) IssueCategory {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryUnknown
	}
	for _, c := range Categories {
		if string(c) == s {
			return c
		}
	}
	if c, ok := categoryTerms[s]; ok {
		return c
	}
	return CategoryUnknown
}

// TermsFor returns the category name followed by its synonyms in
// alphabetical order. The unknown category has no terms.
func TermsFor(c IssueCategory) []string {
	if c == CategoryUnknown {
		return nil
	}
	var syn []string
	for term, tc := range categoryTerms {
		if tc == c && term != string(c) {
			syn = append(syn, term)
		}
	}
	sort.Strings(syn)
	return append([]string{string(c)}, syn...)
}

// CategoryForTerm returns the category a single lowercased word points at.
func CategoryForTerm(term string) (IssueCategory, bool) {
	c, ok := categoryTerms[term]
	return c, ok
}

// InferCategory scans text for the first word that points at a category.
func InferCategory(text string) IssueCategory {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) {
		if c, ok := categoryTerms[w]; ok {
			return c
		}
	}
	return CategoryUnknown
}

// CategoryOf returns r's category, inferring it from the title and body when
// the record was submitted without one.
func CategoryOf(r Record) IssueCategory {
	if r.IssueCategory != CategoryUnknown {
		return r.IssueCategory
	}
	return InferCategory(r.Title + " " + r.Body)
}
