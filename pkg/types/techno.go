package types

// TechnoMap resolves a drive or tape model string to its technology
// label (e.g. "ULT3580-TD5" -> "LTO5"). Lookups are case-sensitive:
// model strings come verbatim from device inquiry data and the DSS.
type TechnoMap struct {
	byModel map[string]string
}

// NewTechnoMap builds a map from technology label to the model strings
// belonging to it.
func NewTechnoMap(models map[string][]string) *TechnoMap {
	tm := &TechnoMap{byModel: make(map[string]string)}
	for techno, list := range models {
		for _, model := range list {
			tm.byModel[model] = techno
		}
	}
	return tm
}

// Lookup returns the technology for a model string, or "" when the
// model is not in any configured list.
func (tm *TechnoMap) Lookup(model string) string {
	if tm == nil {
		return ""
	}
	return tm.byModel[model]
}

// Compatible reports whether a drive technology can operate a medium
// of the given technology. A drive reads and writes its own generation
// and reads one generation back (LTO rules).
func Compatible(driveTechno, mediumTechno string) bool {
	if driveTechno == "" || mediumTechno == "" {
		return driveTechno == mediumTechno
	}
	if driveTechno == mediumTechno {
		return true
	}
	prev, ok := previousGen[driveTechno]
	return ok && prev == mediumTechno
}

var previousGen = map[string]string{
	"LTO6": "LTO5",
	"LTO7": "LTO6",
	"LTO8": "LTO7",
	"LTO9": "LTO8",
}
