package redact

// Category is the kind of personal or health identifier a detector finds.
// The declaration order below is the fixed order detectors run in, so a
// postcode inside a full address is consumed by the address detector first.
type Category int

const (
	Email Category = iota
	Address
	Postcode
	NationalID
	Phone
	Name
	Allergy
	Diagnosis
	Medication
	TreatmentNote
	HealthMetricSnapshot
)

var categoryInfo = []struct {
	name        string
	tag         string
	placeholder string
}{
	Email:                {"Email", "EMAIL", "[email address]"},
	Address:              {"Address", "ADDRESS", "[address]"},
	Postcode:             {"Postcode", "POSTCODE", "[postcode]"},
	NationalID:           {"NationalID", "NATIONAL_ID", "[identifier]"},
	Phone:                {"Phone", "PHONE", "[phone number]"},
	Name:                 {"Name", "NAME", "[person]"},
	Allergy:              {"Allergy", "ALLERGY", "[allergy]"},
	Diagnosis:            {"Diagnosis", "DIAGNOSIS", "[condition]"},
	Medication:           {"Medication", "MEDICATION", "[medication]"},
	TreatmentNote:        {"TreatmentNote", "TREATMENT_NOTE", "[treatment details]"},
	HealthMetricSnapshot: {"HealthMetricSnapshot", "HEALTH_METRIC", "[health reading]"},
}

// GenericPlaceholder replaces tokens whose tag is not recognised at all.
const GenericPlaceholder = "[redacted]"

func (c Category) valid() bool { return c >= 0 && int(c) < len(categoryInfo) }

func (c Category) String() string {
	if !c.valid() {
		return "Unknown"
	}
	return categoryInfo[c].name
}

// Tag is the upper-case label embedded in issued tokens, e.g. NAME in <NAME_1>.
func (c Category) Tag() string {
	if !c.valid() {
		return "REDACTED"
	}
	return categoryInfo[c].tag
}

// Placeholder is the generic, user-safe text shown in place of a value
// that cannot be restored.
func (c Category) Placeholder() string {
	if !c.valid() {
		return GenericPlaceholder
	}
	return categoryInfo[c].placeholder
}

// HighRisk categories may not fail open: if their detector faults the
// whole anonymize call fails.
func (c Category) HighRisk() bool {
	return c == Diagnosis || c == Medication
}

// AllCategories returns every category in detector order.
func AllCategories() []Category {
	out := make([]Category, 0, len(categoryInfo))
	for i := range categoryInfo {
		out = append(out, Category(i))
	}
	return out
}

func categoryForTag(tag string) (Category, bool) {
	for i, info := range categoryInfo {
		if info.tag == tag {
			return Category(i), true
		}
	}
	return 0, false
}
