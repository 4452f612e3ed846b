package stub

// Section names a labeled part of a stub file.
type Section int

const (
	// SectionBase holds service definitions merged into the base compose document.
	SectionBase Section = iota + 1
	// SectionDev holds service augmentations merged into the dev overlay document.
	SectionDev
	// SectionVolumes holds named volume declarations.
	SectionVolumes
	// SectionEnv holds KEY=VALUE lines merged into the project .env file.
	SectionEnv
)

// Sections lists every known section in file order.
var Sections = []Section{SectionBase, SectionDev, SectionVolumes, SectionEnv}

// String returns the marker name of the section.
func (s Section) String() string {
	switch s {
	case SectionBase:
		return "base"
	case SectionDev:
		return "dev"
	case SectionVolumes:
		return "volumes"
	case SectionEnv:
		return "env"
	default:
		return "unknown"
	}
}

// ParseSection maps a marker name onto a Section.
func ParseSection(name string) (Section, bool) {
	switch name {
	case "base":
		return SectionBase, true
	case "dev":
		return SectionDev, true
	case "volumes":
		return SectionVolumes, true
	case "env":
		return SectionEnv, true
	default:
		return 0, false
	}
}
